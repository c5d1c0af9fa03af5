// internal/preprocess/preprocess.go
package preprocess

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	"photomesh/internal/apperr"
)

type Options struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

func DefaultOptions() Options {
	return Options{MaxWidth: 512, MaxHeight: 512, Quality: 80}
}

// Shrink bounds an image to opts.MaxWidth x opts.MaxHeight preserving the
// aspect ratio and re-encodes it as JPEG at the configured quality. Images
// already inside the bound are never enlarged. Bytes that do not decode as
// an image are a validation failure.
func Shrink(data []byte, opts Options) ([]byte, string, error) {
	const op = "preprocess.Shrink"

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", apperr.Validation("invalid image data: %v", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() > opts.MaxWidth || bounds.Dy() > opts.MaxHeight {
		src = imaging.Fit(src, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(opts.Quality)); err != nil {
		return nil, "", fmt.Errorf("%s: %v", op, err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
