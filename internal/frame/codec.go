package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	// PNG references are allowed in the dataset.
	_ "image/png"
)

// DefaultQuality is the JPEG quality used for engine requests and saved crops.
const DefaultQuality = 90

// Decode reads a JPEG or PNG image into a BGR frame.
func Decode(r io.Reader) (*Frame, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(img), nil
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte) (*Frame, error) {
	return Decode(bytes.NewReader(data))
}

// EncodeJPEG writes the frame as a JPEG in RGB order.
func (f *Frame) EncodeJPEG(w io.Writer, quality int) error {
	if f.Empty() {
		return fmt.Errorf("encode jpeg: empty frame")
	}
	return jpeg.Encode(w, f.RGB(), &jpeg.Options{Quality: quality})
}

// JPEG returns the JPEG encoding of the frame.
func (f *Frame) JPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.EncodeJPEG(&buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
