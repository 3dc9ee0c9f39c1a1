package mrtd

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// KDF counters from ICAO 9303 Part 11.
const (
	counterEnc uint32 = 1
	counterMAC uint32 = 2
)

// BACKey is the printed document data that seeds Basic Access Control.
// Dates are YYMMDD.
type BACKey struct {
	DocumentNumber string `json:"document_number" yaml:"number"`
	DateOfBirth    string `json:"date_of_birth" yaml:"date_of_birth"`
	DateOfExpiry   string `json:"date_of_expiry" yaml:"date_of_expiry"`
}

// Validate checks the key before any chip contact.
func (k BACKey) Validate() error {
	const op = "validate BAC key"
	if strings.TrimSpace(k.DocumentNumber) == "" {
		return invalidInput(op, "Document number is empty")
	}
	if strings.TrimSpace(k.DateOfExpiry) == "" {
		return invalidInput(op, "Expire date is empty")
	}
	if strings.TrimSpace(k.DateOfBirth) == "" {
		return invalidInput(op, "Birth date is empty")
	}
	if len(FixDocumentNumber(k.DocumentNumber)) > 9 {
		// TD1 cards with long numbers put the overflow in the optional data; BAC uses the first nine.
		return invalidInput(op, "document number longer than 9 characters")
	}
	if !isDate(k.DateOfBirth) {
		return invalidInput(op, "date of birth must be 6 digits (YYMMDD), got %q", k.DateOfBirth)
	}
	if !isDate(k.DateOfExpiry) {
		return invalidInput(op, "date of expiry must be 6 digits (YYMMDD), got %q", k.DateOfExpiry)
	}
	return nil
}

func isDate(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FixDocumentNumber normalizes a document number to the 9-character MRZ field:
// fillers become spaces, the result is trimmed, inner spaces become fillers and
// the value is right-padded with '<'. The function is idempotent.
func FixDocumentNumber(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "<", " "))
	s = strings.ReplaceAll(s, " ", "<")
	if n := len(s); n < 9 {
		s += strings.Repeat("<", 9-n)
	}
	return s
}

// CheckDigit computes the MRZ check digit: weights 7,3,1 over digits (0-9),
// letters (A-Z as 10-35) and fillers (0), summed mod 10. Returned as an ASCII digit.
func CheckDigit(s string) byte {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += charValue(s[i]) * weights[i%3]
	}
	return byte('0' + sum%10)
}

func charValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	default:
		return 0
	}
}

// MRZInformation returns doc‖cd‖dob‖cd‖doe‖cd, the input to the key seed hash.
func (k BACKey) MRZInformation() (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	doc := FixDocumentNumber(k.DocumentNumber)
	var b strings.Builder
	for _, field := range []string{doc, k.DateOfBirth, k.DateOfExpiry} {
		b.WriteString(field)
		b.WriteByte(CheckDigit(field))
	}
	return b.String(), nil
}

// ComputeKeySeed returns the 16-byte BAC key seed: SHA-1 of the MRZ information, truncated.
func ComputeKeySeed(k BACKey) ([]byte, error) {
	info, err := k.MRZInformation()
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum([]byte(info))
	return sum[:16], nil
}

// DeriveKey implements the ICAO 9303 KDF: Hash(seed ‖ nonce ‖ counter).
// 3DES (112/128 bits) yields a 24-byte K1‖K2‖K1 key; AES yields 16, 24 or 32 bytes.
func DeriveKey(seed, nonce []byte, counter uint32, alg CipherAlgorithm, keyBits int) ([]byte, error) {
	input := make([]byte, 0, len(seed)+len(nonce)+4)
	input = append(input, seed...)
	input = append(input, nonce...)
	input = binary.BigEndian.AppendUint32(input, counter)

	switch {
	case alg == DES && (keyBits == 112 || keyBits == 128):
		d := sha1.Sum(input)
		key := make([]byte, 0, 24)
		key = append(key, d[0:8]...)
		key = append(key, d[8:16]...)
		return append(key, d[0:8]...), nil
	case alg == AES && keyBits == 128:
		d := sha1.Sum(input)
		return d[:16], nil
	case alg == AES && (keyBits == 192 || keyBits == 256):
		d := sha256.Sum256(input)
		return d[:keyBits/8], nil
	default:
		return nil, cryptoFailure("derive key", errors.Wrapf(ErrUnsupportedAlgorithm, "%s with %d-bit key", alg, keyBits))
	}
}

// SessionKeys derives the encryption and MAC keys (counters 1 and 2) from a seed.
func SessionKeys(seed []byte, alg CipherAlgorithm, keyBits int) (ksEnc, ksMac []byte, err error) {
	if ksEnc, err = DeriveKey(seed, nil, counterEnc, alg, keyBits); err != nil {
		return nil, nil, err
	}
	if ksMac, err = DeriveKey(seed, nil, counterMAC, alg, keyBits); err != nil {
		return nil, nil, err
	}
	return ksEnc, ksMac, nil
}
