package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode marks an upload that is not a readable raster image.
var ErrDecode = errors.New("invalid image")

// Decode reads any registered raster format (PNG, JPEG, BMP, TIFF, WebP).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, format, nil
}
