package lds

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// ber builds a BER TLV with a definite length.
func ber(tag []byte, value []byte) []byte {
	out := append([]byte(nil), tag...)
	switch n := len(value); {
	case n < 0x80:
		out = append(out, byte(n))
	case n < 0x100:
		out = append(out, 0x81, byte(n))
	default:
		out = append(out, 0x82, byte(n>>8), byte(n))
	}
	return append(out, value...)
}

func facialRecord(dataType byte, width, height uint16, img []byte) []byte {
	block := make([]byte, facialInfoLen+imageInfoLen)
	binary.BigEndian.PutUint32(block[0:4], uint32(len(block)+len(img)))
	info := block[facialInfoLen:]
	info[0] = 0x01
	info[1] = dataType
	binary.BigEndian.PutUint16(info[2:4], width)
	binary.BigEndian.PutUint16(info[4:6], height)
	block = append(block, img...)

	rec := append([]byte("FAC\x00010\x00"), make([]byte, 6)...)
	binary.BigEndian.PutUint32(rec[8:12], uint32(facialHeaderLen+len(block)))
	binary.BigEndian.PutUint16(rec[12:14], 1)
	return append(rec, block...)
}

func dg2(bio []byte, bioTag []byte) []byte {
	bht := ber([]byte{0xA1}, ber([]byte{0x81}, []byte{0x02}))
	bit := ber([]byte{0x7F, 0x60}, append(bht, ber(bioTag, bio)...))
	group := ber([]byte{0x7F, 0x61}, append(ber([]byte{0x02}, []byte{0x01}), bit...))
	return ber([]byte{0x75}, group)
}

var testJPEG = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, make([]byte, 300)...)

func TestParseDG2JPEG(t *testing.T) {
	require := require.New(t)

	faces, err := ParseDG2(dg2(facialRecord(0x00, 480, 640, testJPEG), []byte{0x5F, 0x2E}))
	require.NoError(err)
	require.Len(faces, 1)
	require.Equal(ImageJPEG, faces[0].Type)
	require.Equal(480, faces[0].Width)
	require.Equal(640, faces[0].Height)
	require.Equal(testJPEG, faces[0].Data)
	require.Equal("jpg", faces[0].Type.Extension())
}

func TestParseDG2JPEG2000(t *testing.T) {
	require := require.New(t)

	img := append([]byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20, 0x0D, 0x0A}, make([]byte, 40)...)
	faces, err := ParseDG2(dg2(facialRecord(0x01, 240, 320, img), []byte{0x5F, 0x2E}))
	require.NoError(err)
	require.Len(faces, 1)
	require.Equal(ImageJPEG2000, faces[0].Type)
	require.Equal("jp2", faces[0].Type.Extension())
	require.Equal(img, faces[0].Data)
}

func TestParseDG2MagicFallback(t *testing.T) {
	require := require.New(t)

	bio := append([]byte{0x01, 0x02, 0x03}, testJPEG...)
	faces, err := ParseDG2(dg2(bio, []byte{0x5F, 0x2E}))
	require.NoError(err)
	require.Len(faces, 1)
	require.Equal(testJPEG, faces[0].Data)
	require.Zero(faces[0].Width)
}

func TestParseDG2NoFace(t *testing.T) {
	_, err := ParseDG2(ber([]byte{0x75}, ber([]byte{0x7F, 0x61}, ber([]byte{0x02}, []byte{0x00}))))
	require.ErrorIs(t, err, errNoFaceData)

	_, err = ParseDG2(dg2([]byte{0x01, 0x02, 0x03}, []byte{0x5F, 0x2E}))
	require.Error(t, err)
}
