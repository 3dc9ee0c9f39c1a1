package mrtd

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"io"
	"math/big"

	"github.com/pkg/errors"
)

// Curve is a prime-field curve y² = x³ + ax + b with base point G of order N.
// DG14 usually carries explicit parameters, so arbitrary a is supported.
type Curve struct {
	Name   string
	P      *big.Int
	A      *big.Int
	B      *big.Int
	Gx, Gy *big.Int
	N      *big.Int
	H      int
}

// NamedCurve returns the NIST curve with the given name ("P-224", "P-256",
// "P-384" or "P-521").
func NamedCurve(name string) (*Curve, error) {
	var c elliptic.Curve
	switch name {
	case "P-224":
		c = elliptic.P224()
	case "P-256":
		c = elliptic.P256()
	case "P-384":
		c = elliptic.P384()
	case "P-521":
		c = elliptic.P521()
	default:
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "curve %q", name)
	}
	return fromElliptic(c), nil
}

func fromElliptic(c elliptic.Curve) *Curve {
	p := c.Params()
	return &Curve{
		Name: p.Name,
		P:    new(big.Int).Set(p.P),
		A:    new(big.Int).Sub(p.P, big.NewInt(3)),
		B:    new(big.Int).Set(p.B),
		Gx:   new(big.Int).Set(p.Gx),
		Gy:   new(big.Int).Set(p.Gy),
		N:    new(big.Int).Set(p.N),
		H:    1,
	}
}

// ByteSize is the length of a field element.
func (c *Curve) ByteSize() int {
	return (c.P.BitLen() + 7) / 8
}

// Equal compares domain parameters, ignoring the name.
func (c *Curve) Equal(o *Curve) bool {
	return c.P.Cmp(o.P) == 0 && c.A.Cmp(o.A) == 0 && c.B.Cmp(o.B) == 0 &&
		c.Gx.Cmp(o.Gx) == 0 && c.Gy.Cmp(o.Gy) == 0 && c.N.Cmp(o.N) == 0
}

// stdlib returns the crypto/ecdh curve with identical parameters, if any.
func (c *Curve) stdlib() ecdh.Curve {
	for _, named := range []struct {
		ec  elliptic.Curve
		std ecdh.Curve
	}{
		{elliptic.P256(), ecdh.P256()},
		{elliptic.P384(), ecdh.P384()},
		{elliptic.P521(), ecdh.P521()},
	} {
		if c.Equal(fromElliptic(named.ec)) {
			return named.std
		}
	}
	return nil
}

// IsOnCurve reports whether (x, y) satisfies the curve equation.
func (c *Curve) IsOnCurve(x, y *big.Int) bool {
	if x == nil || y == nil || x.Sign() < 0 || x.Cmp(c.P) >= 0 || y.Sign() < 0 || y.Cmp(c.P) >= 0 {
		return false
	}
	lhs := new(big.Int).Mul(y, y)
	lhs.Mod(lhs, c.P)

	rhs := new(big.Int).Mul(x, x)
	rhs.Mul(rhs, x)
	ax := new(big.Int).Mul(c.A, x)
	rhs.Add(rhs, ax)
	rhs.Add(rhs, c.B)
	rhs.Mod(rhs, c.P)
	return lhs.Cmp(rhs) == 0
}

// add returns P1 + P2 in affine coordinates. nil coordinates are the point at infinity.
func (c *Curve) add(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int) {
	if x1 == nil {
		return x2, y2
	}
	if x2 == nil {
		return x1, y1
	}
	if x1.Cmp(x2) == 0 {
		sum := new(big.Int).Add(y1, y2)
		if sum.Mod(sum, c.P).Sign() == 0 {
			return nil, nil
		}
		return c.double(x1, y1)
	}
	// λ = (y2 - y1) / (x2 - x1)
	num := new(big.Int).Sub(y2, y1)
	den := new(big.Int).Sub(x2, x1)
	den.Mod(den, c.P)
	den.ModInverse(den, c.P)
	l := num.Mul(num, den)
	l.Mod(l, c.P)
	return c.finish(l, x1, y1, x2)
}

func (c *Curve) double(x1, y1 *big.Int) (*big.Int, *big.Int) {
	if x1 == nil || y1.Sign() == 0 {
		return nil, nil
	}
	// λ = (3x² + a) / 2y
	num := new(big.Int).Mul(x1, x1)
	num.Mul(num, big.NewInt(3))
	num.Add(num, c.A)
	den := new(big.Int).Lsh(y1, 1)
	den.Mod(den, c.P)
	den.ModInverse(den, c.P)
	l := num.Mul(num, den)
	l.Mod(l, c.P)
	return c.finish(l, x1, y1, x1)
}

func (c *Curve) finish(l, x1, y1, x2 *big.Int) (*big.Int, *big.Int) {
	x3 := new(big.Int).Mul(l, l)
	x3.Sub(x3, x1)
	x3.Sub(x3, x2)
	x3.Mod(x3, c.P)

	y3 := new(big.Int).Sub(x1, x3)
	y3.Mul(y3, l)
	y3.Sub(y3, y1)
	y3.Mod(y3, c.P)
	return x3, y3
}

// ScalarMult returns k·(x, y) by double-and-add.
func (c *Curve) ScalarMult(x, y, k *big.Int) (*big.Int, *big.Int) {
	var rx, ry *big.Int
	for i := k.BitLen() - 1; i >= 0; i-- {
		rx, ry = c.double(rx, ry)
		if k.Bit(i) == 1 {
			rx, ry = c.add(rx, ry, x, y)
		}
	}
	return rx, ry
}

// ScalarBaseMult returns k·G.
func (c *Curve) ScalarBaseMult(k *big.Int) (*big.Int, *big.Int) {
	return c.ScalarMult(c.Gx, c.Gy, k)
}

// Marshal encodes a point uncompressed: 04 ‖ X ‖ Y, each field-size aligned.
func (c *Curve) Marshal(x, y *big.Int) []byte {
	size := c.ByteSize()
	out := make([]byte, 1+2*size)
	out[0] = 0x04
	x.FillBytes(out[1 : 1+size])
	y.FillBytes(out[1+size:])
	return out
}

// Unmarshal decodes an uncompressed point and checks it lies on the curve.
func (c *Curve) Unmarshal(b []byte) (*big.Int, *big.Int, error) {
	size := c.ByteSize()
	if len(b) != 1+2*size || b[0] != 0x04 {
		return nil, nil, errors.Errorf("invalid uncompressed point (%d bytes)", len(b))
	}
	x := new(big.Int).SetBytes(b[1 : 1+size])
	y := new(big.Int).SetBytes(b[1+size:])
	if !c.IsOnCurve(x, y) {
		return nil, nil, errors.New("point is not on the curve")
	}
	return x, y, nil
}

// randScalar returns a uniform-enough scalar in [1, N-1].
func (c *Curve) randScalar(rnd io.Reader) (*big.Int, error) {
	buf := make([]byte, (c.N.BitLen()+7)/8+8)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return nil, err
	}
	nMinus1 := new(big.Int).Sub(c.N, big.NewInt(1))
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, nMinus1)
	return k.Add(k, big.NewInt(1)), nil
}
