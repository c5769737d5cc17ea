package saliency

import (
	"context"
	"fmt"
	"math"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
)

// occlusionMap is the perturbation fallback for classifiers without input
// gradients. Each patch is zeroed in turn and the absolute change of the
// target score is credited to every pixel it covers; a pixel keeps the
// largest change of all patches covering it.
func occlusionMap(ctx context.Context, clf model.Classifier, input *imaging.Tensor, target int, base float32, patch, stride int) (*Map, error) {
	m := newMap(input.Height, input.Width)
	work := input.Clone()

	for py := 0; py < input.Height; py += stride {
		for px := 0; px < input.Width; px += stride {
			y1 := min(py+patch, input.Height)
			x1 := min(px+patch, input.Width)

			for y := py; y < y1; y++ {
				for x := px; x < x1; x++ {
					for c := 0; c < input.Channels; c++ {
						work.Set(y, x, c, 0)
					}
				}
			}

			outputs, err := clf.Predict(ctx, work)
			if err != nil {
				return nil, fmt.Errorf("failed to score occluded input: %w", err)
			}
			if target >= len(outputs) {
				return nil, fmt.Errorf("target %d out of range for %d outputs", target, len(outputs))
			}
			delta := float32(math.Abs(float64(base - outputs[target])))
			if math.IsNaN(float64(delta)) || math.IsInf(float64(delta), 0) {
				return nil, ErrNonFinite
			}

			for y := py; y < y1; y++ {
				for x := px; x < x1; x++ {
					if i := y*m.Width + x; delta > m.Values[i] {
						m.Values[i] = delta
					}
					for c := 0; c < input.Channels; c++ {
						work.Set(y, x, c, input.At(y, x, c))
					}
				}
			}
		}
	}
	return m, nil
}
