package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestPreprocessResizesAndNormalizes(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
	}{
		{"landscape", 640, 480},
		{"portrait", 300, 900},
		{"tiny", 7, 5},
		{"exact", 224, 224},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image.NewRGBA(image.Rect(0, 0, tt.width, tt.height))
			for y := 0; y < tt.height; y++ {
				for x := 0; x < tt.width; x++ {
					img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
				}
			}

			tensor, err := Preprocess(img, 224)
			if err != nil {
				t.Fatalf("Preprocess failed: %v", err)
			}
			if tensor.Height != 224 || tensor.Width != 224 || tensor.Channels != 3 {
				t.Fatalf("unexpected geometry %dx%dx%d", tensor.Height, tensor.Width, tensor.Channels)
			}
			if tensor.Len() != 224*224*3 {
				t.Fatalf("unexpected length %d", tensor.Len())
			}
			for i, v := range tensor.Data {
				if v < 0 || v > 1 {
					t.Fatalf("value %d out of range: %f", i, v)
				}
			}
		})
	}
}

func TestPreprocessWhitePixel(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	tensor, err := Preprocess(img, 8)
	if err != nil {
		t.Fatalf("Preprocess failed: %v", err)
	}
	for i, v := range tensor.Data {
		if v < 0.99 {
			t.Fatalf("expected white at %d, got %f", i, v)
		}
	}
}

func TestPreprocessRejectsBadSize(t *testing.T) {
	if _, err := Preprocess(image.NewGray(image.Rect(0, 0, 2, 2)), 0); err == nil {
		t.Fatal("expected error for zero size")
	}
}

func TestNCHWRoundTrip(t *testing.T) {
	tensor := NewTensor(2, 3, 3)
	for i := range tensor.Data {
		tensor.Data[i] = float32(i)
	}

	planar := make([]float32, tensor.Len())
	tensor.ToNCHW(planar)

	// Channel 1 of pixel (0,1) lives at plane offset 6 + 1.
	if got, want := planar[6+1], tensor.At(0, 1, 1); got != want {
		t.Fatalf("planar value = %f, want %f", got, want)
	}

	back := NCHWToNHWC(planar, 2, 3, 3)
	for i := range back {
		if back[i] != tensor.Data[i] {
			t.Fatalf("round trip mismatch at %d: %f != %f", i, back[i], tensor.Data[i])
		}
	}
}

func TestFromDataChecksLength(t *testing.T) {
	if _, err := FromData(2, 2, 3, make([]float32, 11)); err == nil {
		t.Fatal("expected length error")
	}
	tensor, err := FromData(2, 2, 3, make([]float32, 12))
	if err != nil {
		t.Fatalf("FromData failed: %v", err)
	}
	shape := tensor.Shape()
	if len(shape) != 4 || shape[0] != 1 || shape[3] != 3 {
		t.Fatalf("unexpected shape %v", shape)
	}
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 10, 10))); err != nil {
		t.Fatal(err)
	}

	img, format, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if format != "png" || img.Bounds().Dx() != 10 {
		t.Fatalf("unexpected decode result %s %v", format, img.Bounds())
	}

	_, _, err = Decode(bytes.NewReader([]byte("not an image")))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestGray(t *testing.T) {
	tensor := NewTensor(1, 2, 3)
	for c := 0; c < 3; c++ {
		tensor.Set(0, 1, c, 1)
	}
	g := tensor.Gray()
	if g.GrayAt(0, 0).Y != 0 || g.GrayAt(1, 0).Y != 255 {
		t.Fatalf("unexpected gray values %v %v", g.GrayAt(0, 0), g.GrayAt(1, 0))
	}
}
