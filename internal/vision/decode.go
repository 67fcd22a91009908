package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	// Registered frame formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultMaxFramePixels bounds the decoded size of a frame.
const DefaultMaxFramePixels = 4096 * 4096

// DecodeFrame decodes a base64-encoded still image. Any failure is reported as
// ErrDecodeFailure so callers can tell it apart from capability errors.
// maxPixels <= 0 means DefaultMaxFramePixels.
func DecodeFrame(frameData string, maxPixels int) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(frameData)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecodeFailure, err)
	}
	return DecodeImage(raw, maxPixels)
}

// DecodeImage decodes raw image bytes in any registered format. The header is
// checked first so an image larger than maxPixels is rejected before any
// pixel buffer is allocated.
func DecodeImage(raw []byte, maxPixels int) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecodeFailure)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxFramePixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrDecodeFailure)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecodeFailure, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: zero-sized image", ErrDecodeFailure)
	}
	return img, nil
}
