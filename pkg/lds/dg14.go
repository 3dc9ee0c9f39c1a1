package lds

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

// Object identifiers from ICAO 9303 Part 11 and BSI TR-03110.
var (
	oidPKDH           = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 1, 1}
	oidPKECDH         = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 1, 2}
	oidCA             = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 3}
	oidActiveAuth     = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 5}
	oidDHPublicNumber = asn1.ObjectIdentifier{1, 2, 840, 10046, 2, 1}
	oidDHKeyAgreement = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 3, 1}
	oidECPublicKey    = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidPrimeField     = asn1.ObjectIdentifier{1, 2, 840, 10045, 1, 1}

	namedCurves = []struct {
		oid  asn1.ObjectIdentifier
		name string
	}{
		{asn1.ObjectIdentifier{1, 3, 132, 0, 33}, "P-224"},
		{asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, "P-256"},
		{asn1.ObjectIdentifier{1, 3, 132, 0, 34}, "P-384"},
		{asn1.ObjectIdentifier{1, 3, 132, 0, 35}, "P-521"},
	}
)

const dg14ApplicationTag = 14 // [APPLICATION 14], 0x6E

// ChipAuthInfo is a ChipAuthenticationInfo entry.
type ChipAuthInfo struct {
	Protocol asn1.ObjectIdentifier
	Version  int
	KeyID    *big.Int
}

// ChipAuthPublicKeyInfo is a ChipAuthenticationPublicKeyInfo entry.
type ChipAuthPublicKeyInfo struct {
	Protocol asn1.ObjectIdentifier
	KeyID    *big.Int
	Public   mrtd.PublicKey
}

// DG14 holds the security infos of EF.DG14. Entries that are not chip
// authentication related are kept as raw OIDs.
type DG14 struct {
	ChipAuthInfos      []ChipAuthInfo
	ChipAuthPublicKeys []ChipAuthPublicKeyInfo
	Other              []asn1.ObjectIdentifier
}

type securityInfo struct {
	Protocol asn1.ObjectIdentifier
	Required asn1.RawValue
	Optional asn1.RawValue `asn1:"optional"`
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type dhDomainParameters struct {
	P *big.Int
	G *big.Int
	Q *big.Int `asn1:"optional"`
}

type ecFieldID struct {
	FieldType asn1.ObjectIdentifier
	Prime     *big.Int
}

type ecCurve struct {
	A    []byte
	B    []byte
	Seed asn1.BitString `asn1:"optional"`
}

type ecParameters struct {
	Version  int
	FieldID  ecFieldID
	Curve    ecCurve
	Base     []byte
	Order    *big.Int
	Cofactor int `asn1:"optional"`
}

// ParseDG14 decodes EF.DG14. Unsupported public keys are an error; unknown
// security infos are skipped.
func ParseDG14(data []byte) (*DG14, error) {
	var outer asn1.RawValue
	rest, err := asn1.Unmarshal(data, &outer)
	if err != nil {
		return nil, errors.Wrap(err, "decode DG14")
	}
	if len(rest) > 0 {
		return nil, errors.Errorf("DG14: %d trailing bytes", len(rest))
	}
	if outer.Class != asn1.ClassApplication || outer.Tag != dg14ApplicationTag {
		return nil, errors.Errorf("DG14: unexpected tag class %d number %d", outer.Class, outer.Tag)
	}

	var set asn1.RawValue
	if _, err := asn1.Unmarshal(outer.Bytes, &set); err != nil {
		return nil, errors.Wrap(err, "DG14 security infos")
	}
	if set.Tag != asn1.TagSet {
		return nil, errors.Errorf("DG14: expected SET, got tag %d", set.Tag)
	}

	dg := &DG14{}
	for body := set.Bytes; len(body) > 0; {
		var si securityInfo
		if body, err = asn1.Unmarshal(body, &si); err != nil {
			return nil, errors.Wrap(err, "DG14 security info")
		}
		switch {
		case si.Protocol.Equal(oidPKDH) || si.Protocol.Equal(oidPKECDH):
			info, err := parseChipAuthPublicKey(si)
			if err != nil {
				return nil, err
			}
			dg.ChipAuthPublicKeys = append(dg.ChipAuthPublicKeys, info)
		case hasPrefix(si.Protocol, oidCA):
			info, err := parseChipAuthInfo(si)
			if err != nil {
				return nil, err
			}
			dg.ChipAuthInfos = append(dg.ChipAuthInfos, info)
		default:
			dg.Other = append(dg.Other, si.Protocol)
		}
	}
	return dg, nil
}

func hasPrefix(oid, prefix asn1.ObjectIdentifier) bool {
	return len(oid) > len(prefix) && oid[:len(prefix)].Equal(prefix)
}

func parseChipAuthInfo(si securityInfo) (ChipAuthInfo, error) {
	info := ChipAuthInfo{Protocol: si.Protocol}
	if _, err := asn1.Unmarshal(si.Required.FullBytes, &info.Version); err != nil {
		return info, errors.Wrap(err, "ChipAuthenticationInfo version")
	}
	if len(si.Optional.FullBytes) > 0 {
		info.KeyID = new(big.Int)
		if _, err := asn1.Unmarshal(si.Optional.FullBytes, &info.KeyID); err != nil {
			return info, errors.Wrap(err, "ChipAuthenticationInfo keyId")
		}
	}
	return info, nil
}

func parseChipAuthPublicKey(si securityInfo) (ChipAuthPublicKeyInfo, error) {
	info := ChipAuthPublicKeyInfo{Protocol: si.Protocol}
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(si.Required.FullBytes, &spki); err != nil {
		return info, errors.Wrap(err, "chip authentication public key")
	}
	pub, err := parsePublicKey(spki)
	if err != nil {
		return info, err
	}
	info.Public = pub
	if len(si.Optional.FullBytes) > 0 {
		info.KeyID = new(big.Int)
		if _, err := asn1.Unmarshal(si.Optional.FullBytes, &info.KeyID); err != nil {
			return info, errors.Wrap(err, "ChipAuthenticationPublicKeyInfo keyId")
		}
	}
	return info, nil
}

func parsePublicKey(spki subjectPublicKeyInfo) (mrtd.PublicKey, error) {
	alg := spki.Algorithm
	switch {
	case alg.Algorithm.Equal(oidDHPublicNumber) || alg.Algorithm.Equal(oidDHKeyAgreement):
		var params dhDomainParameters
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
			return nil, errors.Wrap(err, "DH domain parameters")
		}
		if alg.Algorithm.Equal(oidDHKeyAgreement) {
			// PKCS #3: the third field is privateValueLength, not q
			params.Q = nil
		}
		y := new(big.Int)
		if _, err := asn1.Unmarshal(spki.PublicKey.RightAlign(), &y); err != nil {
			return nil, errors.Wrap(err, "DH public value")
		}
		return &mrtd.DHPublicKey{P: params.P, G: params.G, Q: params.Q, Y: y}, nil

	case alg.Algorithm.Equal(oidECPublicKey):
		curve, err := parseCurve(alg.Parameters)
		if err != nil {
			return nil, err
		}
		x, y, err := decodePoint(curve, spki.PublicKey.RightAlign())
		if err != nil {
			return nil, errors.Wrap(err, "EC public key")
		}
		return &mrtd.ECPublicKey{Curve: curve, X: x, Y: y}, nil

	default:
		return nil, errors.Wrapf(mrtd.ErrUnsupportedAlgorithm, "public key algorithm %s", alg.Algorithm)
	}
}

func parseCurve(params asn1.RawValue) (*mrtd.Curve, error) {
	if params.Tag == asn1.TagOID {
		var oid asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(params.FullBytes, &oid); err != nil {
			return nil, errors.Wrap(err, "named curve")
		}
		for _, c := range namedCurves {
			if c.oid.Equal(oid) {
				return mrtd.NamedCurve(c.name)
			}
		}
		return nil, errors.Wrapf(mrtd.ErrUnsupportedAlgorithm, "named curve %s (explicit parameters required)", oid)
	}

	var ep ecParameters
	if _, err := asn1.Unmarshal(params.FullBytes, &ep); err != nil {
		return nil, errors.Wrap(err, "EC domain parameters")
	}
	if !ep.FieldID.FieldType.Equal(oidPrimeField) {
		return nil, errors.Wrapf(mrtd.ErrUnsupportedAlgorithm, "EC field type %s", ep.FieldID.FieldType)
	}
	c := &mrtd.Curve{
		Name: "explicit",
		P:    ep.FieldID.Prime,
		A:    new(big.Int).SetBytes(ep.Curve.A),
		B:    new(big.Int).SetBytes(ep.Curve.B),
		N:    ep.Order,
		H:    ep.Cofactor,
	}
	gx, gy, err := decodePoint(c, ep.Base)
	if err != nil {
		return nil, errors.Wrap(err, "EC base point")
	}
	c.Gx, c.Gy = gx, gy
	return c, nil
}

// decodePoint accepts uncompressed (04) and compressed (02, 03) points.
func decodePoint(c *mrtd.Curve, b []byte) (*big.Int, *big.Int, error) {
	if len(b) == 0 {
		return nil, nil, errors.New("empty point")
	}
	if b[0] == 0x04 {
		return c.Unmarshal(b)
	}
	size := c.ByteSize()
	if (b[0] != 0x02 && b[0] != 0x03) || len(b) != 1+size {
		return nil, nil, errors.Errorf("unsupported point encoding 0x%02X (%d bytes)", b[0], len(b))
	}
	x := new(big.Int).SetBytes(b[1:])
	// y² = x³ + ax + b
	rhs := new(big.Int).Mul(x, x)
	rhs.Mul(rhs, x)
	rhs.Add(rhs, new(big.Int).Mul(c.A, x))
	rhs.Add(rhs, c.B)
	rhs.Mod(rhs, c.P)
	y := new(big.Int).ModSqrt(rhs, c.P)
	if y == nil {
		return nil, nil, errors.New("compressed point is not on the curve")
	}
	if y.Bit(0) != uint(b[0]&1) {
		y.Sub(c.P, y)
	}
	if !c.IsOnCurve(x, y) {
		return nil, nil, errors.New("compressed point is not on the curve")
	}
	return x, y, nil
}

// ChipAuthKeys returns the chip authentication keys in DG14 order, each
// paired with the protocol of its ChipAuthenticationInfo when one matches.
func (d *DG14) ChipAuthKeys() []mrtd.ChipAuthKey {
	keys := make([]mrtd.ChipAuthKey, 0, len(d.ChipAuthPublicKeys))
	for _, pk := range d.ChipAuthPublicKeys {
		k := mrtd.ChipAuthKey{KeyID: pk.KeyID, Public: pk.Public}
		for _, info := range d.ChipAuthInfos {
			if sameKeyID(info.KeyID, pk.KeyID) || len(d.ChipAuthInfos) == 1 {
				k.Protocol = info.Protocol.String()
				break
			}
		}
		keys = append(keys, k)
	}
	return keys
}

// SupportsActiveAuth reports whether DG14 announces Active Authentication.
func (d *DG14) SupportsActiveAuth() bool {
	for _, oid := range d.Other {
		if oid.Equal(oidActiveAuth) {
			return true
		}
	}
	return false
}

func sameKeyID(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}
