package mrtd

import (
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func pointString(x, y *big.Int) string {
	if x == nil {
		return "infinity"
	}
	return x.String() + "," + y.String()
}

func TestGenericScalarMultMatchesStdlib(t *testing.T) {
	require := require.New(t)

	for _, name := range []string{"P-224", "P-256", "P-384"} {
		c, err := NamedCurve(name)
		require.NoError(err)
		std := map[string]elliptic.Curve{"P-224": elliptic.P224(), "P-256": elliptic.P256(), "P-384": elliptic.P384()}[name]

		require.True(c.IsOnCurve(c.Gx, c.Gy))
		for i := 0; i < 3; i++ {
			k, err := c.randScalar(rand.Reader)
			require.NoError(err)
			x1, y1 := c.ScalarBaseMult(k)
			x2, y2 := std.ScalarBaseMult(k.Bytes())
			require.Equal(pointString(x2, y2), pointString(x1, y1), name)
		}
	}
}

func TestGenericCurveArbitraryA(t *testing.T) {
	require := require.New(t)

	// y² = x³ + 2x + 3 over F_97
	c := &Curve{
		Name: "toy",
		P:    big.NewInt(97),
		A:    big.NewInt(2),
		B:    big.NewInt(3),
		Gx:   big.NewInt(3),
		Gy:   big.NewInt(6),
		N:    big.NewInt(5),
		H:    1,
	}
	require.True(c.IsOnCurve(c.Gx, c.Gy))
	require.False(c.IsOnCurve(big.NewInt(3), big.NewInt(7)))

	var ax, ay *big.Int
	for k := int64(1); k <= 30; k++ {
		ax, ay = c.add(ax, ay, c.Gx, c.Gy)
		x, y := c.ScalarBaseMult(big.NewInt(k))
		require.Equal(pointString(ax, ay), pointString(x, y), "k=%d", k)
		if x != nil {
			require.True(c.IsOnCurve(x, y), "k=%d", k)
		}
	}
}

func TestCurveMarshal(t *testing.T) {
	require := require.New(t)

	c, err := NamedCurve("P-256")
	require.NoError(err)
	b := c.Marshal(c.Gx, c.Gy)
	require.Len(b, 65)
	require.Equal(byte(0x04), b[0])

	x, y, err := c.Unmarshal(b)
	require.NoError(err)
	require.Zero(x.Cmp(c.Gx))
	require.Zero(y.Cmp(c.Gy))

	b[64] ^= 0x01
	_, _, err = c.Unmarshal(b)
	require.Error(err)
	_, _, err = c.Unmarshal(b[:33])
	require.Error(err)
}

func TestNamedCurveUnsupported(t *testing.T) {
	_, err := NamedCurve("brainpoolP256r1")
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	a, _ := NamedCurve("P-256")
	b, _ := NamedCurve("P-256")
	c, _ := NamedCurve("P-384")
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.NotNil(t, a.stdlib())
	p224, _ := NamedCurve("P-224")
	require.Nil(t, p224.stdlib())
}
