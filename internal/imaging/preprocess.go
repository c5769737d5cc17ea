package imaging

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// Preprocess resizes img to size×size, ignoring aspect ratio, and scales
// the RGB channels to [0,1]. Alpha is dropped.
func Preprocess(img image.Image, size int) (*Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Bicubic)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width != size || height != size {
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", width, height, size, size)
	}

	t := NewTensor(height, width, Channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			t.Set(y, x, 0, float32(r)/65535.0)
			t.Set(y, x, 1, float32(g)/65535.0)
			t.Set(y, x, 2, float32(b)/65535.0)
		}
	}

	return t, nil
}

// Gray renders the tensor's luminance as an 8-bit grayscale image.
func (t *Tensor) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			v := t.Luminance(y, x)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.Pix[y*img.Stride+x] = uint8(v*255 + 0.5)
		}
	}
	return img
}
