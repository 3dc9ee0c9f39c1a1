package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

func TestDeriveICAOExample(t *testing.T) {
	require := require.New(t)

	r, err := derive(mrtd.BACKey{DocumentNumber: "L898902C", DateOfBirth: "690806", DateOfExpiry: "940623"}, mrtd.DES, 128)
	require.NoError(err)
	require.Equal("L898902C<369080619406236", r.MRZInformation)
	require.Equal("239AB9CB282DAF66231DC5A4DF6BFBAE", r.KeySeed)
	require.Len(r.KEnc, 48)
	require.Len(r.KMac, 48)
}

func TestParseAlgorithm(t *testing.T) {
	require := require.New(t)

	alg, bits, err := parseAlgorithm("AES256")
	require.NoError(err)
	require.Equal(mrtd.AES, alg)
	require.Equal(256, bits)

	_, _, err = parseAlgorithm("rc4")
	require.Error(err)
}

func TestDeriveInvalidKey(t *testing.T) {
	_, err := derive(mrtd.BACKey{DateOfBirth: "690806", DateOfExpiry: "940623"}, mrtd.DES, 128)
	require.Error(t, err)
}
