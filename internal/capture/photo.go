package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Output formats for uploaded proof photos.
const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// Processor normalizes camera output before upload: EXIF orientation is
// applied, the image is downscaled to MaxWidth and re-encoded.
type Processor struct {
	MaxWidth int
	Format   string
	Quality  int
}

func DefaultProcessor() *Processor {
	return &Processor{MaxWidth: 1280, Format: FormatJPEG, Quality: 80}
}

// Encode decodes raw, applies orientation and resizing, and encodes the
// result. It returns the bytes and their MIME type.
func (p *Processor) Encode(raw []byte) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("capture: decode photo: %w", err)
	}

	img = p.fit(img)

	quality := p.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	var buf bytes.Buffer
	switch p.Format {
	case FormatWebP:
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: float32(quality)}); err != nil {
			return nil, "", fmt.Errorf("capture: encode webp: %w", err)
		}
		return buf.Bytes(), "image/webp", nil
	default:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, "", fmt.Errorf("capture: encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	}
}

// DataURI encodes raw as a base64 data URI suitable for the JSON upload.
func (p *Processor) DataURI(raw []byte) (string, error) {
	data, mime, err := p.Encode(raw)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (p *Processor) fit(img image.Image) image.Image {
	if p.MaxWidth <= 0 || img.Bounds().Dx() <= p.MaxWidth {
		return img
	}
	return imaging.Resize(img, p.MaxWidth, 0, imaging.Lanczos)
}
