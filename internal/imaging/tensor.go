package imaging

import "fmt"

// Channels is the number of colour channels the classifier expects.
const Channels = 3

// Tensor is a batch of one image in NHWC order with values in [0,1].
type Tensor struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// NewTensor allocates a zeroed 1×height×width×channels tensor.
func NewTensor(height, width, channels int) *Tensor {
	return &Tensor{
		Height:   height,
		Width:    width,
		Channels: channels,
		Data:     make([]float32, height*width*channels),
	}
}

// FromData wraps raw NHWC values after checking the length.
func FromData(height, width, channels int, data []float32) (*Tensor, error) {
	if want := height * width * channels; len(data) != want {
		return nil, fmt.Errorf("expected %d values, got %d", want, len(data))
	}
	return &Tensor{Height: height, Width: width, Channels: channels, Data: data}, nil
}

// Shape returns the batched shape [1, H, W, C].
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), int64(t.Channels)}
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) index(y, x, c int) int {
	return (y*t.Width+x)*t.Channels + c
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[t.index(y, x, c)]
}

// Set writes the value at row y, column x, channel c.
func (t *Tensor) Set(y, x, c int, v float32) {
	t.Data[t.index(y, x, c)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.Height, t.Width, t.Channels)
	copy(out.Data, t.Data)
	return out
}

// Luminance returns the mean over channels at (y, x).
func (t *Tensor) Luminance(y, x int) float32 {
	var sum float32
	for c := 0; c < t.Channels; c++ {
		sum += t.At(y, x, c)
	}
	return sum / float32(t.Channels)
}

// ToNCHW writes the tensor in planar channel-first order into dst.
func (t *Tensor) ToNCHW(dst []float32) {
	plane := t.Height * t.Width
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			pixelIndex := y*t.Width + x
			for c := 0; c < t.Channels; c++ {
				dst[c*plane+pixelIndex] = t.Data[pixelIndex*t.Channels+c]
			}
		}
	}
}

// NCHWToNHWC converts planar channel-first values of the given geometry
// into interleaved NHWC order.
func NCHWToNHWC(src []float32, height, width, channels int) []float32 {
	plane := height * width
	out := make([]float32, len(src))
	for c := 0; c < channels; c++ {
		for p := 0; p < plane; p++ {
			out[p*channels+c] = src[c*plane+p]
		}
	}
	return out
}
