package emulator

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/barnettlynn/mrtdtools/pkg/lds"
)

// SpecimenMRZ is the TD3 specimen from ICAO Doc 9303 Part 4.
const SpecimenMRZ = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<" +
	"L898902C36UTO7408122F1204159ZE184226B<<<<<10"

// SpecimenFace renders a small grey placeholder portrait as JPEG.
func SpecimenFace() (lds.FaceImage, error) {
	const w, h = 60, 80
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(0x40 + (x+y)%0x80)})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return lds.FaceImage{}, err
	}
	return lds.FaceImage{Type: lds.ImageJPEG, Width: w, Height: h, Data: buf.Bytes()}, nil
}

// NewSpecimen returns a chip holding the specimen document.
func NewSpecimen() (*Chip, error) {
	face, err := SpecimenFace()
	if err != nil {
		return nil, err
	}
	return NewPassport(SpecimenMRZ, face)
}
