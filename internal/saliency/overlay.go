package saliency

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
)

// Hot maps v in [0,1] onto a black-red-yellow-white heat scale.
func Hot(v float32) color.RGBA {
	channel := func(lo, hi float32) uint8 {
		t := (v - lo) / (hi - lo)
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		return uint8(t*255 + 0.5)
	}
	return color.RGBA{
		R: channel(0, 0.365),
		G: channel(0.365, 0.746),
		B: channel(0.746, 1),
		A: 255,
	}
}

// Heatmap renders m at its native resolution with the Hot scale.
func Heatmap(m *Map) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			img.SetRGBA(x, y, Hot(m.At(x, y)))
		}
	}
	return img
}

// Render draws the grayscale input with the heat map blended on top at
// opts.Alpha, scaled to opts.OverlaySize square.
func Render(input *imaging.Tensor, m *Map, opts Options) *image.RGBA {
	size := opts.OverlaySize
	if size <= 0 {
		size = m.Width
	}
	rect := image.Rect(0, 0, size, size)

	base := image.NewRGBA(rect)
	draw.CatmullRom.Scale(base, rect, input.Gray(), image.Rect(0, 0, input.Width, input.Height), draw.Src, nil)

	heat := image.NewRGBA(rect)
	draw.BiLinear.Scale(heat, rect, Heatmap(m), image.Rect(0, 0, m.Width, m.Height), draw.Src, nil)

	a := opts.Alpha
	out := image.NewRGBA(rect)
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = uint8((1-a)*float64(base.Pix[i+c]) + a*float64(heat.Pix[i+c]) + 0.5)
		}
		out.Pix[i+3] = 255
	}

	if opts.Caption != "" {
		d := &font.Drawer{
			Dst:  out,
			Src:  image.NewUniform(color.White),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(6, size-6),
		}
		d.DrawString(opts.Caption)
	}
	return out
}

// WriteOverlay encodes img as PNG under dir with a random unique name,
// creating dir when needed, and returns the file path.
func WriteOverlay(dir string, img image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create saliency directory: %w", err)
	}

	name := strings.ReplaceAll(uuid.NewString(), "-", "") + "_saliency.png"
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create overlay file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to encode overlay: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write overlay: %w", err)
	}
	return path, nil
}
