package image

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
)

func RGBToRGBA(in, out []byte, width, height int) {
	outStride := width * 4
	inStride := len(in) / height

	for i := 0; i < height; i++ {
		oIndex := i * outStride
		iIndex := i * inStride
		for j := 0; j < width; j++ {
			out[oIndex] = in[iIndex]
			out[oIndex+1] = in[iIndex+1]
			out[oIndex+2] = in[iIndex+2]
			out[oIndex+3] = 0xff

			oIndex += 4
			iIndex += 3
		}
	}
}

func DecodeRGB(data []byte, width, height int) image.Image {
	i := image.NewRGBA(image.Rect(0, 0, width, height))
	RGBToRGBA(data, i.Pix, width, height)

	return i
}

func EncodeJPEG(img image.Image, dst io.Writer, quality int) error {
	return jpeg.Encode(dst, img, &jpeg.Options{Quality: quality})
}

// TestPattern renders an RGB24 gradient whose phase moves with seq, so
// consecutive simulated frames differ.
func TestPattern(width, height int, seq int64) []byte {
	pix := make([]byte, width*height*3)
	shift := int(seq % 256)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			pix[i] = byte((x + shift) % 256)
			pix[i+1] = byte((y + shift) % 256)
			pix[i+2] = byte(shift)
		}
	}

	return pix
}

// PatternJPEG encodes a TestPattern frame.
func PatternJPEG(width, height int, seq int64, quality int) ([]byte, error) {
	var buf bytes.Buffer
	img := DecodeRGB(TestPattern(width, height, seq), width, height)
	if err := EncodeJPEG(img, &buf, quality); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
