package mrtd

import "github.com/pkg/errors"

// encodeLength returns a BER/DER definite length: one byte below 0x80,
// otherwise 0x80|n followed by n big-endian length bytes.
func encodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var b []byte
	for v := n; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return append([]byte{0x80 | byte(len(b))}, b...)
}

// decodeLength reads a definite length at the start of b and returns it with
// the number of bytes consumed.
func decodeLength(b []byte) (length, n int, err error) {
	if len(b) == 0 {
		return 0, 0, errors.New("missing length")
	}
	if b[0] < 0x80 {
		return int(b[0]), 1, nil
	}
	count := int(b[0] & 0x7F)
	if count == 0 || count > 3 {
		return 0, 0, errors.Errorf("unsupported length form 0x%02X", b[0])
	}
	if len(b) < 1+count {
		return 0, 0, errors.New("truncated length")
	}
	for _, v := range b[1 : 1+count] {
		length = length<<8 | int(v)
	}
	return length, 1 + count, nil
}

// wrapDO builds a single-byte-tag data object.
func wrapDO(tag byte, value []byte) []byte {
	l := encodeLength(len(value))
	out := make([]byte, 0, 1+len(l)+len(value))
	out = append(out, tag)
	out = append(out, l...)
	return append(out, value...)
}
