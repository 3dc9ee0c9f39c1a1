package lds

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
)

// ImageType is the encoding of a stored face image.
type ImageType int

const (
	ImageJPEG ImageType = iota
	ImageJPEG2000
	ImageUnknown
)

// Extension is the file extension used when saving the image.
func (t ImageType) Extension() string {
	switch t {
	case ImageJPEG:
		return "jpg"
	case ImageJPEG2000:
		return "jp2"
	default:
		return "bin"
	}
}

func (t ImageType) String() string {
	switch t {
	case ImageJPEG:
		return "JPEG"
	case ImageJPEG2000:
		return "JPEG2000"
	default:
		return "unknown"
	}
}

// FaceImage is one facial image from DG2. Width and Height are zero when the
// ISO 19794-5 header could not be read.
type FaceImage struct {
	Type   ImageType
	Width  int
	Height int
	Data   []byte
}

var (
	jpegMagic     = []byte{0xFF, 0xD8, 0xFF}
	jp2Magic      = []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20}
	j2kMagic      = []byte{0xFF, 0x4F, 0xFF, 0x51}
	facialMagic   = []byte{'F', 'A', 'C', 0x00}
	errNoFaceData = errors.New("DG2: no facial record found")
)

const (
	facialHeaderLen  = 14 // "FAC\0", version, record length, face count
	facialInfoLen    = 20
	featurePointLen  = 8
	imageInfoLen     = 12
	imageDataTypeJP2 = 0x01
)

// ParseDG2 decodes EF.DG2 and returns every face image it holds.
func ParseDG2(data []byte) ([]FaceImage, error) {
	tlvs, err := bertlv.Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode DG2")
	}
	var records [][]byte
	collectBiometricData(tlvs, &records)
	if len(records) == 0 {
		return nil, errNoFaceData
	}

	var faces []FaceImage
	for _, rec := range records {
		f, err := parseFacialRecord(rec)
		if err != nil {
			img, ok := sniffImage(rec)
			if !ok {
				return nil, err
			}
			f = []FaceImage{img}
		}
		faces = append(faces, f...)
	}
	return faces, nil
}

// collectBiometricData walks 75 / 7F61 / 7F60 down to 5F2E or 7F2E.
func collectBiometricData(tlvs []bertlv.TLV, out *[][]byte) {
	for _, t := range tlvs {
		switch strings.ToUpper(t.Tag) {
		case "5F2E":
			*out = append(*out, t.Value)
		case "7F2E":
			if len(t.TLVs) == 0 {
				*out = append(*out, t.Value)
				continue
			}
			var buf []byte
			for _, c := range t.TLVs {
				buf = append(buf, c.Value...)
			}
			*out = append(*out, buf)
		default:
			if len(t.TLVs) > 0 {
				collectBiometricData(t.TLVs, out)
			}
		}
	}
}

func parseFacialRecord(rec []byte) ([]FaceImage, error) {
	if len(rec) < facialHeaderLen || !bytes.Equal(rec[:4], facialMagic) {
		return nil, errors.New("DG2: biometric data is not an ISO 19794-5 facial record")
	}
	count := int(binary.BigEndian.Uint16(rec[12:14]))
	off := facialHeaderLen
	faces := make([]FaceImage, 0, count)
	for i := 0; i < count; i++ {
		if off+facialInfoLen > len(rec) {
			return nil, errors.Errorf("DG2: facial information %d truncated", i)
		}
		blockLen := int(binary.BigEndian.Uint32(rec[off : off+4]))
		points := int(binary.BigEndian.Uint16(rec[off+4 : off+6]))
		imgInfo := off + facialInfoLen + points*featurePointLen
		imgData := imgInfo + imageInfoLen
		end := off + blockLen
		if blockLen < facialInfoLen+imageInfoLen || end > len(rec) || imgData > end {
			return nil, errors.Errorf("DG2: facial record block %d has bad length %d", i, blockLen)
		}

		info := rec[imgInfo:imgData]
		f := FaceImage{
			Type:   ImageJPEG,
			Width:  int(binary.BigEndian.Uint16(info[2:4])),
			Height: int(binary.BigEndian.Uint16(info[4:6])),
			Data:   rec[imgData:end],
		}
		if info[1] == imageDataTypeJP2 {
			f.Type = ImageJPEG2000
		}
		if sniffed := detectImageType(f.Data); sniffed != ImageUnknown {
			f.Type = sniffed
		}
		faces = append(faces, f)
		off = end
	}
	if len(faces) == 0 {
		return nil, errNoFaceData
	}
	return faces, nil
}

func detectImageType(b []byte) ImageType {
	switch {
	case bytes.HasPrefix(b, jpegMagic):
		return ImageJPEG
	case bytes.HasPrefix(b, jp2Magic), bytes.HasPrefix(b, j2kMagic):
		return ImageJPEG2000
	default:
		return ImageUnknown
	}
}

// sniffImage finds an embedded image by its magic bytes when the record
// header is unusable.
func sniffImage(rec []byte) (FaceImage, bool) {
	for _, m := range []struct {
		magic []byte
		typ   ImageType
	}{
		{jpegMagic, ImageJPEG},
		{jp2Magic, ImageJPEG2000},
		{j2kMagic, ImageJPEG2000},
	} {
		if i := bytes.Index(rec, m.magic); i >= 0 {
			return FaceImage{Type: m.typ, Data: rec[i:]}, true
		}
	}
	return FaceImage{}, false
}
