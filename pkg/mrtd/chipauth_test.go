package mrtd

import (
	"context"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	specimenLine1 = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<"
	specimenLine2 = "L898902C36UTO7408122F1204159ZE184226B<<<<<10"
)

var testFiles = map[DataGroup][]byte{
	DG1: concat([]byte{0x61, 0x5B, 0x5F, 0x1F, 0x58}, []byte(specimenLine1+specimenLine2)),
}

// bacChannel selects the application and runs BAC against chip.
func bacChannel(t *testing.T, chip *simChip) *SecureChannel {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, SelectApplication(ctx, chip))
	sm, err := PerformBAC(ctx, chip, testKey, nil)
	require.NoError(t, err)
	return NewSecureChannel(chip, sm)
}

func ecdhChip(t *testing.T) (*simChip, ChipAuthKey) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	curve, err := NamedCurve("P-256")
	require.NoError(t, err)
	x, y, err := curve.Unmarshal(priv.PublicKey().Bytes())
	require.NoError(t, err)

	chip := newSimChip(testKey, testFiles)
	chip.caSecret = func(eph []byte) ([]byte, error) {
		pub, err := ecdh.P256().NewPublicKey(eph)
		if err != nil {
			return nil, err
		}
		return priv.ECDH(pub)
	}
	return chip, ChipAuthKey{Protocol: "id-CA-ECDH-3DES-CBC-CBC", Public: &ECPublicKey{Curve: curve, X: x, Y: y}}
}

func TestChipAuthECDH(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	chip, key := ecdhChip(t)
	ch := bacChannel(t, chip)
	before := ch.Session()

	require.NoError(PerformChipAuth(ctx, ch, key, nil))
	require.NotSame(before, ch.Session())
	require.Equal(uint64(0), ch.Session().SSC())
	require.Len(chip.caKeyData, 65)
	require.Nil(chip.caKeyID)

	// MSE:SET KAT carries no DO'97
	mse := chip.commands[len(chip.commands)-1]
	require.Equal(byte(insMSE), mse.Ins)
	require.Equal(0, mse.Le)

	dg1, err := ReadDataGroup(ctx, ch, DG1)
	require.NoError(err)
	require.Equal(testFiles[DG1], dg1)
	require.Equal(chip.sm.SSC(), ch.Session().SSC())
}

func TestChipAuthGenericCurveWithKeyID(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	std := elliptic.P224()
	d, err := rand.Int(rand.Reader, new(big.Int).Sub(std.Params().N, big.NewInt(1)))
	require.NoError(err)
	d.Add(d, big.NewInt(1))
	px, py := std.ScalarBaseMult(d.Bytes())
	curve, err := NamedCurve("P-224")
	require.NoError(err)

	chip := newSimChip(testKey, testFiles)
	chip.caSecret = func(eph []byte) ([]byte, error) {
		x, y, err := curve.Unmarshal(eph)
		if err != nil {
			return nil, err
		}
		sx, _ := std.ScalarMult(x, y, d.Bytes())
		out := make([]byte, curve.ByteSize())
		sx.FillBytes(out)
		return out, nil
	}

	ch := bacChannel(t, chip)
	key := ChipAuthKey{KeyID: big.NewInt(0x80), Public: &ECPublicKey{Curve: curve, X: px, Y: py}}
	require.NoError(PerformChipAuth(ctx, ch, key, nil))
	require.Equal([]byte{0x00, 0x80}, chip.caKeyID)
	require.Len(chip.caKeyData, 1+2*28)

	_, err = ReadDataGroup(ctx, ch, DG1)
	require.NoError(err)
}

func TestChipAuthDH(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	p, err := rand.Prime(rand.Reader, 256)
	require.NoError(err)
	g := big.NewInt(2)
	x, err := rand.Int(rand.Reader, new(big.Int).Sub(p, big.NewInt(3)))
	require.NoError(err)
	x.Add(x, big.NewInt(2))
	y := new(big.Int).Exp(g, x, p)

	chip := newSimChip(testKey, testFiles)
	chip.caSecret = func(eph []byte) ([]byte, error) {
		s := new(big.Int).Exp(new(big.Int).SetBytes(eph), x, p)
		out := make([]byte, 32)
		s.FillBytes(out)
		return out, nil
	}

	ch := bacChannel(t, chip)
	key := ChipAuthKey{KeyID: big.NewInt(1), Public: &DHPublicKey{P: p, G: g, Y: y}}
	require.NoError(PerformChipAuth(ctx, ch, key, nil))
	require.Len(chip.caKeyData, 32)
	require.Equal([]byte{0x01}, chip.caKeyID)

	_, err = ReadDataGroup(ctx, ch, DG1)
	require.NoError(err)
}

func TestChipAuthRejectedKeepsSession(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	chip, key := ecdhChip(t)
	chip.caSecret = nil
	ch := bacChannel(t, chip)
	before := ch.Session()

	err := PerformChipAuth(ctx, ch, key, nil)
	require.Error(err)
	require.True(IsKind(err, KindChipStatusError))
	require.Same(before, ch.Session())

	// the BAC session is still in sync with the chip
	_, err = ReadDataGroup(ctx, ch, DG1)
	require.NoError(err)
}

func TestChipAuthInvalidKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	chip, key := ecdhChip(t)
	ch := bacChannel(t, chip)
	sent := len(chip.commands)

	bad := *key.Public.(*ECPublicKey)
	bad.Y = new(big.Int).Add(bad.Y, big.NewInt(1))
	err := PerformChipAuth(ctx, ch, ChipAuthKey{Public: &bad}, nil)
	require.True(IsKind(err, KindCryptoFailure))
	require.Len(chip.commands, sent)

	err = PerformChipAuth(ctx, ch, ChipAuthKey{}, nil)
	require.True(IsKind(err, KindInvalidInput))
}

func TestKeyIDBytes(t *testing.T) {
	require.Equal(t, []byte{0x00}, keyIDBytes(big.NewInt(0)))
	require.Equal(t, []byte{0x7F}, keyIDBytes(big.NewInt(0x7F)))
	require.Equal(t, []byte{0x00, 0x80}, keyIDBytes(big.NewInt(0x80)))
	require.Equal(t, []byte{0x01, 0x00}, keyIDBytes(big.NewInt(0x100)))
}
