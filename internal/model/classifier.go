package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
)

const (
	BackendONNX   = "onnx"
	BackendNative = "native"
)

// ErrNotDifferentiable is returned when input gradients are requested from
// a backend that cannot produce them.
var ErrNotDifferentiable = errors.New("classifier does not expose input gradients")

// Classifier maps a preprocessed image to its output vector. A one-element
// output is a sigmoid probability; longer outputs are class scores.
// Implementations are safe for use by multiple goroutines.
type Classifier interface {
	Predict(ctx context.Context, input *imaging.Tensor) ([]float32, error)
	Info() Info
}

// Differentiable classifiers can differentiate one output element with
// respect to every input element. The gradient is returned in NHWC order.
type Differentiable interface {
	Classifier
	InputGradient(ctx context.Context, input *imaging.Tensor, target int) ([]float32, error)
}

// Options selects and locates the classifier backend.
type Options struct {
	Backend           string
	Path              string
	MetadataPath      string
	SharedLibraryPath string
}

// Open loads the classifier described by opts. The returned value also
// implements io.Closer.
func Open(opts Options) (Classifier, error) {
	switch opts.Backend {
	case "", BackendONNX:
		return NewONNXClassifier(opts.Path, opts.MetadataPath, opts.SharedLibraryPath)
	case BackendNative:
		return LoadNativeClassifier(opts.Path)
	default:
		return nil, fmt.Errorf("unknown model backend %q", opts.Backend)
	}
}

// Probability extracts the pneumonia probability from an output vector.
func Probability(outputs []float32, info Info) (float32, error) {
	if len(outputs) == 0 {
		return 0, errors.New("empty model output")
	}
	if info.PositiveIndex < 0 || info.PositiveIndex >= len(outputs) {
		return 0, fmt.Errorf("positive index %d out of range for %d outputs", info.PositiveIndex, len(outputs))
	}
	return outputs[info.PositiveIndex], nil
}

func checkInput(input *imaging.Tensor, size int) error {
	if input == nil {
		return errors.New("nil input tensor")
	}
	if input.Height != size || input.Width != size || input.Channels != imaging.Channels {
		return fmt.Errorf("input is %dx%dx%d, model expects %dx%dx%d",
			input.Height, input.Width, input.Channels, size, size, imaging.Channels)
	}
	if len(input.Data) != size*size*imaging.Channels {
		return fmt.Errorf("expected %d values, got %d", size*size*imaging.Channels, len(input.Data))
	}
	return nil
}
