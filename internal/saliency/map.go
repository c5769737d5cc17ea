package saliency

import (
	"errors"
	"math"
)

// Epsilon keeps normalisation finite when the attribution is constant.
const Epsilon = 1e-7

// ErrNonFinite is returned when the attribution contains NaN or Inf.
var ErrNonFinite = errors.New("attribution contains non-finite values")

// Map is a Height×Width attribution grid stored row-major.
type Map struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

func newMap(height, width int) *Map {
	return &Map{Width: width, Height: height, Values: make([]float32, height*width)}
}

func (m *Map) At(x, y int) float32 {
	return m.Values[y*m.Width+x]
}

// Bounds returns the minimum and maximum cell values.
func (m *Map) Bounds() (lo, hi float32) {
	if len(m.Values) == 0 {
		return 0, 0
	}
	lo, hi = m.Values[0], m.Values[0]
	for _, v := range m.Values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// collapseChannels reduces an NHWC gradient to the per-pixel maximum
// absolute value across channels.
func collapseChannels(grad []float32, height, width, channels int) (*Map, error) {
	if len(grad) != height*width*channels {
		return nil, errors.New("gradient does not match input geometry")
	}
	m := newMap(height, width)
	for p := 0; p < height*width; p++ {
		var best float32
		for c := 0; c < channels; c++ {
			v := grad[p*channels+c]
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, ErrNonFinite
			}
			if v < 0 {
				v = -v
			}
			if v > best {
				best = v
			}
		}
		m.Values[p] = best
	}
	return m, nil
}

// normalize rescales m in place to (v - min) / (max - min + Epsilon).
func (m *Map) normalize() {
	lo, hi := m.Bounds()
	denom := float64(hi) - float64(lo) + Epsilon
	for i, v := range m.Values {
		m.Values[i] = float32((float64(v) - float64(lo)) / denom)
	}
}
