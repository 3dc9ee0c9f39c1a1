package emulator

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/lds"
	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

// NewPassport builds a chip for the document described by mrz with face as
// its DG2 image. A fresh P-256 chip authentication key is generated and
// announced in DG14.
func NewPassport(mrz string, face lds.FaceImage) (*Chip, error) {
	info, err := lds.ParseMRZ(mrz)
	if err != nil {
		return nil, err
	}
	if err := info.Valid(); err != nil {
		return nil, errors.Wrap(err, "emulated MRZ")
	}

	caKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	curve, err := mrtd.NamedCurve("P-256")
	if err != nil {
		return nil, err
	}
	x, y, err := curve.Unmarshal(caKey.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}

	dg1, err := lds.EncodeDG1(mrz)
	if err != nil {
		return nil, errors.Wrap(err, "encode DG1")
	}
	dg2, err := lds.EncodeDG2(face)
	if err != nil {
		return nil, errors.Wrap(err, "encode DG2")
	}
	dg14, err := lds.EncodeDG14(&mrtd.ECPublicKey{Curve: curve, X: x, Y: y}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "encode DG14")
	}

	files := map[mrtd.DataGroup][]byte{
		mrtd.DG1:  dg1,
		mrtd.DG2:  dg2,
		mrtd.DG14: dg14,
	}
	return New(info.BACKey(), files, caKey), nil
}

// RemoveFile deletes fid from the chip, as if the issuer never wrote it.
func (c *Chip) RemoveFile(fid mrtd.DataGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, fid)
}

// SetFile stores data as fid.
func (c *Chip) SetFile(fid mrtd.DataGroup, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fid] = data
}
