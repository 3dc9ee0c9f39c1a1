package lds

import (
	"crypto/ecdh"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

func TestEncodeDG1(t *testing.T) {
	require := require.New(t)

	data, err := EncodeDG1(td3Line1 + "\n" + td3Line2)
	require.NoError(err)
	require.Equal(dg1(td3Line1+td3Line2), data)

	_, err = EncodeDG1("P<UTO")
	require.Error(err)
}

func TestEncodeDG2(t *testing.T) {
	require := require.New(t)

	data, err := EncodeDG2(FaceImage{Type: ImageJPEG, Width: 480, Height: 640, Data: testJPEG})
	require.NoError(err)
	faces, err := ParseDG2(data)
	require.NoError(err)
	require.Len(faces, 1)
	require.Equal(ImageJPEG, faces[0].Type)
	require.Equal(480, faces[0].Width)
	require.Equal(640, faces[0].Height)
	require.Equal(testJPEG, faces[0].Data)

	_, err = EncodeDG2(FaceImage{Type: ImageUnknown})
	require.Error(err)
}

func TestEncodeDG14(t *testing.T) {
	require := require.New(t)

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(err)
	curve, err := mrtd.NamedCurve("P-256")
	require.NoError(err)
	x, y, err := curve.Unmarshal(priv.PublicKey().Bytes())
	require.NoError(err)

	data, err := EncodeDG14(&mrtd.ECPublicKey{Curve: curve, X: x, Y: y}, big.NewInt(3))
	require.NoError(err)

	dg, err := ParseDG14(data)
	require.NoError(err)
	keys := dg.ChipAuthKeys()
	require.Len(keys, 1)
	require.Equal(oidCAECDH3DES.String(), keys[0].Protocol)
	require.Zero(keys[0].KeyID.Cmp(big.NewInt(3)))

	pub := keys[0].Public.(*mrtd.ECPublicKey)
	require.True(pub.Curve.Equal(curve))
	require.Zero(pub.X.Cmp(x))
	require.Zero(pub.Y.Cmp(y))

	_, err = EncodeDG14(&mrtd.ECPublicKey{Curve: curve, X: big.NewInt(1), Y: big.NewInt(1)}, nil)
	require.Error(err)
}
