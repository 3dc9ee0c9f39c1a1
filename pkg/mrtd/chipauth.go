package mrtd

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/pkg/errors"
)

const (
	tagKeyData = 0x91
	tagKeyID   = 0x84

	mseSetKAT   = 0x41
	mseKATTempl = 0xA6
)

// PublicKey is a chip authentication public key: *ECPublicKey or *DHPublicKey.
type PublicKey interface {
	agreementName() string
}

// ECPublicKey is an ECDH public key on explicit domain parameters.
type ECPublicKey struct {
	Curve *Curve
	X, Y  *big.Int
}

func (*ECPublicKey) agreementName() string { return "ECDH" }

// DHPublicKey is a finite-field Diffie-Hellman public key. Q may be nil.
type DHPublicKey struct {
	P, G, Q *big.Int
	Y       *big.Int
}

func (*DHPublicKey) agreementName() string { return "DH" }

// ChipAuthKey is one chip authentication public key as declared in DG14.
// KeyID is nil when the chip holds a single key.
type ChipAuthKey struct {
	KeyID    *big.Int
	Protocol string
	Public   PublicKey
}

// keyAgreement is one completed ephemeral exchange.
type keyAgreement struct {
	public []byte // ephemeral public key, as sent in tag 0x91
	secret []byte // shared secret, field-size aligned
}

func agree(pub PublicKey, rnd io.Reader) (*keyAgreement, error) {
	switch k := pub.(type) {
	case *ECPublicKey:
		return agreeECDH(k, rnd)
	case *DHPublicKey:
		return agreeDH(k, rnd)
	default:
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "public key %T", pub)
	}
}

func agreeECDH(pub *ECPublicKey, rnd io.Reader) (*keyAgreement, error) {
	c := pub.Curve
	if c == nil {
		return nil, errors.New("EC key without domain parameters")
	}
	if !c.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("chip public key is not on its curve")
	}

	if std := c.stdlib(); std != nil {
		chip, err := std.NewPublicKey(c.Marshal(pub.X, pub.Y))
		if err != nil {
			return nil, errors.Wrap(err, "chip public key")
		}
		priv, err := std.GenerateKey(rnd)
		if err != nil {
			return nil, err
		}
		secret, err := priv.ECDH(chip)
		if err != nil {
			return nil, err
		}
		return &keyAgreement{public: priv.PublicKey().Bytes(), secret: secret}, nil
	}

	d, err := c.randScalar(rnd)
	if err != nil {
		return nil, err
	}
	qx, qy := c.ScalarBaseMult(d)
	sx, _ := c.ScalarMult(pub.X, pub.Y, d)
	if qx == nil || sx == nil {
		return nil, errors.New("key agreement produced the point at infinity")
	}
	secret := make([]byte, c.ByteSize())
	sx.FillBytes(secret)
	return &keyAgreement{public: c.Marshal(qx, qy), secret: secret}, nil
}

func agreeDH(pub *DHPublicKey, rnd io.Reader) (*keyAgreement, error) {
	if pub.P == nil || pub.G == nil || pub.Y == nil {
		return nil, errors.New("DH key without domain parameters")
	}
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(pub.P, one)
	if pub.Y.Cmp(one) <= 0 || pub.Y.Cmp(pMinus1) >= 0 {
		return nil, errors.New("chip DH public value out of range")
	}

	order := pub.Q
	if order == nil || order.Sign() <= 0 {
		order = pMinus1
	}
	buf := make([]byte, (order.BitLen()+7)/8+8)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(buf)
	x.Mod(x, new(big.Int).Sub(order, one))
	x.Add(x, one)

	size := (pub.P.BitLen() + 7) / 8
	y := new(big.Int).Exp(pub.G, x, pub.P)
	s := new(big.Int).Exp(pub.Y, x, pub.P)
	public := make([]byte, size)
	y.FillBytes(public)
	secret := make([]byte, size)
	s.FillBytes(secret)
	return &keyAgreement{public: public, secret: secret}, nil
}

// keyIDBytes encodes a key reference as a minimal two's complement integer.
func keyIDBytes(id *big.Int) []byte {
	b := id.Bytes()
	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	return b
}

// PerformChipAuth runs chip authentication over the current secure channel and,
// when the chip accepts the ephemeral key, replaces the channel's session with a
// 3DES session derived from the shared secret (counter reset to zero).
func PerformChipAuth(ctx context.Context, ch *SecureChannel, key ChipAuthKey, rnd io.Reader) error {
	const op = "chip authentication"
	if rnd == nil {
		rnd = rand.Reader
	}
	if key.Public == nil {
		return invalidInput(op, "no chip authentication public key")
	}

	ka, err := agree(key.Public, rnd)
	if err != nil {
		return cryptoFailure(op, errors.Wrap(err, key.Public.agreementName()))
	}

	data := wrapDO(tagKeyData, ka.public)
	if key.KeyID != nil && key.KeyID.Sign() >= 0 {
		data = append(data, wrapDO(tagKeyID, keyIDBytes(key.KeyID))...)
	}

	resp, err := ch.Send(ctx, CommandAPDU{Cla: 0x00, Ins: insMSE, P1: mseSetKAT, P2: mseKATTempl, Data: data})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return newError(KindChipStatusError, op, &SWError{Cmd: insMSE, SW: resp.SW()})
	}

	ksEnc, ksMac, err := SessionKeys(ka.secret, DES, 128)
	if err != nil {
		return cryptoFailure(op, err)
	}
	sm, err := NewSecureMessaging(DES, ksEnc, ksMac, 0)
	if err != nil {
		return err
	}
	ch.Rekey(sm)

	slog.Debug("chip authentication complete",
		"agreement", key.Public.agreementName(),
		"key_id", fmt.Sprint(key.KeyID),
		"protocol", key.Protocol)
	return nil
}
