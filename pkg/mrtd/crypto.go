package mrtd

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

// CipherAlgorithm selects the secure messaging primitive family.
type CipherAlgorithm uint8

const (
	DES CipherAlgorithm = iota // two-key 3DES, ISO 9797-1 MAC algorithm 3
	AES                        // AES, CMAC
)

func (a CipherAlgorithm) String() string {
	switch a {
	case DES:
		return "3DES"
	case AES:
		return "AES"
	default:
		return "unknown"
	}
}

// BlockSize is the cipher block length, which is also the padding length.
func (a CipherAlgorithm) BlockSize() int {
	if a == AES {
		return aes.BlockSize
	}
	return des.BlockSize
}

const macLength = 8

func newBlock(alg CipherAlgorithm, key []byte) (cipher.Block, error) {
	switch alg {
	case DES:
		switch len(key) {
		case 16:
			k := make([]byte, 24)
			copy(k, key)
			copy(k[16:], key[:8])
			return des.NewTripleDESCipher(k)
		case 24:
			return des.NewTripleDESCipher(key)
		default:
			return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "3DES key length %d", len(key))
		}
	case AES:
		return aes.NewCipher(key)
	default:
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "cipher %d", alg)
	}
}

func cbcEncrypt(alg CipherAlgorithm, key, iv, data []byte) ([]byte, error) {
	block, err := newBlock(alg, key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, errors.New("CBC encrypt: data not block aligned")
	}
	if iv == nil {
		iv = make([]byte, block.BlockSize())
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func cbcDecrypt(alg CipherAlgorithm, key, iv, data []byte) ([]byte, error) {
	block, err := newBlock(alg, key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, errors.New("CBC decrypt: data not block aligned")
	}
	if iv == nil {
		iv = make([]byte, block.BlockSize())
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func ecbEncrypt(alg CipherAlgorithm, key, in []byte) ([]byte, error) {
	block, err := newBlock(alg, key)
	if err != nil {
		return nil, err
	}
	if len(in) != block.BlockSize() {
		return nil, errors.Errorf("ECB input must be %d bytes", block.BlockSize())
	}
	out := make([]byte, len(in))
	block.Encrypt(out, in)
	return out, nil
}

// pad applies ISO 9797-1 padding method 2: 0x80 then zeros up to the block size.
// A block-aligned input still gets a full block of padding.
func pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// unpad strips trailing zeros and then requires the 0x80 marker.
func unpad(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, ErrBadPadding
	}
	return data[:idx], nil
}

// retailMAC computes ISO 9797-1 MAC algorithm 3 with single DES over a padded
// message: CBC with K1, then decrypt with K2 and encrypt with K1 on the last block.
func retailMAC(key, msg []byte) ([]byte, error) {
	if len(key) != 16 && len(key) != 24 {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "MAC key length %d", len(key))
	}
	if len(msg) == 0 || len(msg)%des.BlockSize != 0 {
		return nil, errors.New("MAC input not block aligned")
	}
	k1, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	k2, err := des.NewCipher(key[8:16])
	if err != nil {
		return nil, err
	}

	h := make([]byte, des.BlockSize)
	for i := 0; i < len(msg); i += des.BlockSize {
		xorBlock(h, h, msg[i:i+des.BlockSize])
		k1.Encrypt(h, h)
	}
	k2.Decrypt(h, h)
	k1.Encrypt(h, h)
	return h, nil
}

// aesCMAC computes AES-CMAC truncated to the secure messaging MAC length.
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.New(block)
	if err != nil {
		return nil, err
	}
	h.Write(msg)
	return h.Sum(nil)[:macLength], nil
}

// computeMAC dispatches on the session algorithm. msg must already be padded for DES.
func computeMAC(alg CipherAlgorithm, key, msg []byte) ([]byte, error) {
	switch alg {
	case DES:
		return retailMAC(key, msg)
	case AES:
		return aesCMAC(key, msg)
	default:
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "MAC for cipher %d", alg)
	}
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}
