package mrtd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// maskParity clears the DES parity bits so derived keys compare against
// published, parity-adjusted values.
func maskParity(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = v & 0xFE
	}
	return out
}

func TestCheckDigit(t *testing.T) {
	require.Equal(t, byte('3'), CheckDigit("L898902C<"))
	require.Equal(t, byte('1'), CheckDigit("690806"))
	require.Equal(t, byte('6'), CheckDigit("940623"))
	require.Equal(t, byte('0'), CheckDigit("<<<<<<"))
}

func TestFixDocumentNumber(t *testing.T) {
	tests := map[string]string{
		"L898902C":    "L898902C<",
		"L898902C<":   "L898902C<",
		" L898902C ":  "L898902C<",
		"AB 12":       "AB<12<<<<",
		"123456789":   "123456789",
		"1234567890":  "1234567890",
	}
	for in, want := range tests {
		got := FixDocumentNumber(in)
		require.Equal(t, want, got, in)
		require.Equal(t, got, FixDocumentNumber(got), "idempotent for %q", in)
	}
}

func TestMRZInformationAndSeed(t *testing.T) {
	require := require.New(t)

	for _, doc := range []string{"L898902C", "L898902C<"} {
		key := BACKey{DocumentNumber: doc, DateOfBirth: "690806", DateOfExpiry: "940623"}
		info, err := key.MRZInformation()
		require.NoError(err)
		require.Equal("L898902C<369080619406236", info)

		seed, err := ComputeKeySeed(key)
		require.NoError(err)
		require.Equal(mustHex("239AB9CB282DAF66231DC5A4DF6BFBAE"), seed)
	}
}

func TestBACKeyValidate(t *testing.T) {
	tests := []struct {
		key  BACKey
		want string
	}{
		{BACKey{DateOfBirth: "690806", DateOfExpiry: "940623"}, "Document number is empty"},
		{BACKey{DocumentNumber: "X", DateOfBirth: "690806"}, "Expire date is empty"},
		{BACKey{DocumentNumber: "X", DateOfExpiry: "940623"}, "Birth date is empty"},
		{BACKey{DocumentNumber: "X", DateOfBirth: "6908", DateOfExpiry: "940623"}, "date of birth must be 6 digits"},
		{BACKey{DocumentNumber: "X", DateOfBirth: "690806", DateOfExpiry: "94O623"}, "date of expiry must be 6 digits"},
		{BACKey{DocumentNumber: "ABCDEFGHIJ", DateOfBirth: "690806", DateOfExpiry: "940623"}, "longer than 9"},
	}
	for _, tt := range tests {
		err := tt.key.Validate()
		require.Error(t, err)
		require.Contains(t, err.Error(), tt.want)
		require.True(t, IsKind(err, KindInvalidInput))
	}
	require.NoError(t, testKey.Validate())
}

func TestDeriveKeyBAC(t *testing.T) {
	require := require.New(t)

	seed := mustHex("239AB9CB282DAF66231DC5A4DF6BFBAE")
	kEnc, kMac, err := SessionKeys(seed, DES, 128)
	require.NoError(err)
	require.Len(kEnc, 24)
	require.Equal(kEnc[:8], kEnc[16:])
	require.Equal(maskParity(mustHex("AB94FDECF2674FDFB9B391F85D7F76F2")), maskParity(kEnc[:16]))
	require.Equal(maskParity(mustHex("7962D9ECE03D1ACD4C76089DCE131543")), maskParity(kMac[:16]))
}

func TestDeriveKeySessionVector(t *testing.T) {
	require := require.New(t)

	seed := make([]byte, 16)
	xorBlock(seed, mustHex("0B795240CB7049B01C19B33E32804F0B"), mustHex("0B4F80323EB3191CB04970CB4052790B"))
	require.Equal(mustHex("0036D272F5C350ACAC50C3F572D23600"), seed)

	ksEnc, ksMac, err := SessionKeys(seed, DES, 128)
	require.NoError(err)
	require.Equal(maskParity(mustHex("979EC13B1CBFE9DCD01AB0FED307EAE5")), maskParity(ksEnc[:16]))
	require.Equal(maskParity(mustHex("F1CB1F1FB5ADF208806B89DC579DC1F8")), maskParity(ksMac[:16]))
}

func TestDeriveKeyAES(t *testing.T) {
	seed := mustHex("239AB9CB282DAF66231DC5A4DF6BFBAE")
	for _, bits := range []int{128, 192, 256} {
		k, err := DeriveKey(seed, nil, counterEnc, AES, bits)
		require.NoError(t, err)
		require.Len(t, k, bits/8)
	}

	a, err := DeriveKey(seed, []byte{1, 2}, counterEnc, AES, 128)
	require.NoError(t, err)
	b, err := DeriveKey(seed, nil, counterEnc, AES, 128)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonce must change the key")
}

func TestDeriveKeyUnsupported(t *testing.T) {
	for _, tc := range []struct {
		alg  CipherAlgorithm
		bits int
	}{
		{DES, 192},
		{AES, 64},
		{CipherAlgorithm(9), 128},
	} {
		_, err := DeriveKey([]byte{1}, nil, counterMAC, tc.alg, tc.bits)
		require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
		require.True(t, IsKind(err, KindCryptoFailure))
	}
}

func TestComputeSSC(t *testing.T) {
	ssc := ComputeSSC(mustHex("4608F91988702212"), mustHex("781723860C06C226"))
	require.Equal(t, uint64(0x887022120C06C226), ssc)
}
