package lds

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

// EncodeDG1 wraps a raw MRZ (line breaks are dropped) as EF.DG1.
func EncodeDG1(mrz string) ([]byte, error) {
	mrz = strings.NewReplacer("\n", "", "\r", "").Replace(mrz)
	if _, err := ParseMRZ(mrz); err != nil {
		return nil, err
	}
	return bertlv.Encode([]bertlv.TLV{
		bertlv.NewComposite("61", bertlv.NewTag("5F1F", []byte(mrz))),
	})
}

// EncodeDG2 builds EF.DG2 with a single ISO 19794-5 facial record around img.
func EncodeDG2(img FaceImage) ([]byte, error) {
	var dataType byte
	switch img.Type {
	case ImageJPEG:
		dataType = 0x00
	case ImageJPEG2000:
		dataType = 0x01
	default:
		return nil, errors.Errorf("cannot encode %s face image", img.Type)
	}

	block := make([]byte, facialInfoLen+imageInfoLen, facialInfoLen+imageInfoLen+len(img.Data))
	binary.BigEndian.PutUint32(block[0:4], uint32(facialInfoLen+imageInfoLen+len(img.Data)))
	info := block[facialInfoLen:]
	info[0] = 0x01 // full frontal
	info[1] = dataType
	binary.BigEndian.PutUint16(info[2:4], uint16(img.Width))
	binary.BigEndian.PutUint16(info[4:6], uint16(img.Height))
	block = append(block, img.Data...)

	rec := make([]byte, facialHeaderLen, facialHeaderLen+len(block))
	copy(rec, "FAC\x00010\x00")
	binary.BigEndian.PutUint32(rec[8:12], uint32(facialHeaderLen+len(block)))
	binary.BigEndian.PutUint16(rec[12:14], 1)
	rec = append(rec, block...)

	return bertlv.Encode([]bertlv.TLV{
		bertlv.NewComposite("75",
			bertlv.NewComposite("7F61",
				bertlv.NewTag("02", []byte{0x01}),
				bertlv.NewComposite("7F60",
					bertlv.NewComposite("A1", bertlv.NewTag("81", []byte{0x02})),
					bertlv.NewTag("5F2E", rec),
				),
			),
		),
	})
}

// EncodeDG14 builds EF.DG14 announcing ECDH chip authentication with 3DES
// session keys for pub. The curve is written as explicit parameters, the way
// most issuers do. A nil keyID omits the key reference.
func EncodeDG14(pub *mrtd.ECPublicKey, keyID *big.Int) ([]byte, error) {
	c := pub.Curve
	if c == nil || !c.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("DG14: public key is not on its curve")
	}
	size := c.ByteSize()
	fe := func(v *big.Int) []byte { return new(big.Int).Mod(v, c.P).FillBytes(make([]byte, size)) }

	params, err := asn1.Marshal(ecParameters{
		Version:  1,
		FieldID:  ecFieldID{FieldType: oidPrimeField, Prime: c.P},
		Curve:    ecCurve{A: fe(c.A), B: fe(c.B)},
		Base:     c.Marshal(c.Gx, c.Gy),
		Order:    c.N,
		Cofactor: c.H,
	})
	if err != nil {
		return nil, errors.Wrap(err, "DG14 domain parameters")
	}
	point := c.Marshal(pub.X, pub.Y)
	spki, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidECPublicKey, Parameters: asn1.RawValue{FullBytes: params}},
		PublicKey: asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
	})
	if err != nil {
		return nil, errors.Wrap(err, "DG14 public key")
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}

	caProtocol := append(append(asn1.ObjectIdentifier{}, oidCA...), 2, 1) // id-CA-ECDH-3DES-CBC-CBC
	infos := []securityInfo{
		{Protocol: oidPKECDH, Required: asn1.RawValue{FullBytes: spki}},
		{Protocol: caProtocol, Required: asn1.RawValue{FullBytes: version}},
	}
	var body []byte
	for _, si := range infos {
		if keyID != nil {
			id, err := asn1.Marshal(keyID)
			if err != nil {
				return nil, err
			}
			si.Optional = asn1.RawValue{FullBytes: id}
		}
		b, err := asn1.Marshal(si)
		if err != nil {
			return nil, errors.Wrap(err, "DG14 security info")
		}
		body = append(body, b...)
	}

	set, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: body})
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(asn1.RawValue{Class: asn1.ClassApplication, Tag: dg14ApplicationTag, IsCompound: true, Bytes: set})
}
