package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
)

// NativeWeights is the JSON weight file of the pure-Go backend: a
// one-hidden-layer network over the flattened NHWC image with sigmoid
// outputs. Matrices are row-major.
type NativeWeights struct {
	ImageSize     int       `json:"image_size"`
	Hidden        int       `json:"hidden"`
	Classes       []string  `json:"classes"`
	PositiveClass string    `json:"positive_class"`
	W1            []float32 `json:"w1"` // inputs × hidden
	B1            []float32 `json:"b1"` // hidden
	W2            []float32 `json:"w2"` // hidden × outputs
	B2            []float32 `json:"b2"` // outputs
}

func (w *NativeWeights) validate() error {
	if w.ImageSize <= 0 || w.Hidden <= 0 {
		return fmt.Errorf("invalid geometry image_size=%d hidden=%d", w.ImageSize, w.Hidden)
	}
	if len(w.Classes) == 0 {
		w.Classes = []string{"Pneumonia"}
	}
	inputs := w.ImageSize * w.ImageSize * imaging.Channels
	outputs := len(w.Classes)
	checks := []struct {
		name      string
		got, want int
	}{
		{"w1", len(w.W1), inputs * w.Hidden},
		{"b1", len(w.B1), w.Hidden},
		{"w2", len(w.W2), w.Hidden * outputs},
		{"b2", len(w.B2), outputs},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%s has %d values, want %d", c.name, c.got, c.want)
		}
	}
	_, err := positiveIndex(w.Classes, w.PositiveClass)
	return err
}

// NativeClassifier evaluates NativeWeights with gorgonia and obtains input
// gradients by symbolic reverse-mode differentiation of the selected output.
type NativeClassifier struct {
	weights  NativeWeights
	positive int

	g        *gorgonia.ExprGraph
	x        *gorgonia.Node
	target   *gorgonia.Node
	grad     *gorgonia.Node
	outValue gorgonia.Value
	vm       gorgonia.VM

	mu sync.Mutex
}

// LoadNativeClassifier reads a NativeWeights JSON file.
func LoadNativeClassifier(path string) (*NativeClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	var w NativeWeights
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse weights: %w", err)
	}
	return NewNativeClassifier(w)
}

// NewNativeClassifier builds the expression graph once; every call reuses it.
func NewNativeClassifier(w NativeWeights) (*NativeClassifier, error) {
	if err := w.validate(); err != nil {
		return nil, fmt.Errorf("invalid weights: %w", err)
	}
	positive, _ := positiveIndex(w.Classes, w.PositiveClass)

	inputs := w.ImageSize * w.ImageSize * imaging.Channels
	outputs := len(w.Classes)

	g := gorgonia.NewGraph()
	matrix := func(name string, rows, cols int, backing []float32) *gorgonia.Node {
		opts := []gorgonia.NodeConsOpt{gorgonia.WithShape(rows, cols), gorgonia.WithName(name)}
		if backing != nil {
			vals := make([]float32, len(backing))
			copy(vals, backing)
			opts = append(opts, gorgonia.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(vals))))
		}
		return gorgonia.NewMatrix(g, tensor.Float32, opts...)
	}

	x := matrix("x", 1, inputs, nil)
	target := matrix("target", 1, outputs, nil)
	w1 := matrix("w1", inputs, w.Hidden, w.W1)
	b1 := matrix("b1", 1, w.Hidden, w.B1)
	w2 := matrix("w2", w.Hidden, outputs, w.W2)
	b2 := matrix("b2", 1, outputs, w.B2)

	hidden := gorgonia.Must(gorgonia.Rectify(gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Mul(x, w1)), b1))))
	logits := gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Mul(hidden, w2)), b2))
	out := gorgonia.Must(gorgonia.Sigmoid(logits))

	// The one-hot target mask turns the selected output into the scalar
	// being differentiated.
	selected := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(out, target))))

	grads, err := gorgonia.Grad(selected, x)
	if err != nil {
		return nil, fmt.Errorf("failed to build gradient graph: %w", err)
	}

	c := &NativeClassifier{
		weights:  w,
		positive: positive,
		g:        g,
		x:        x,
		target:   target,
		grad:     grads[0],
	}
	gorgonia.Read(out, &c.outValue)
	c.vm = gorgonia.NewTapeMachine(g)
	return c, nil
}

func (c *NativeClassifier) Info() Info {
	return Info{
		Backend:        BackendNative,
		ImageSize:      c.weights.ImageSize,
		Classes:        c.weights.Classes,
		PositiveIndex:  c.positive,
		Differentiable: true,
	}
}

func (c *NativeClassifier) Predict(ctx context.Context, input *imaging.Tensor) ([]float32, error) {
	out, _, err := c.evaluate(ctx, input, c.positive)
	return out, err
}

func (c *NativeClassifier) InputGradient(ctx context.Context, input *imaging.Tensor, target int) ([]float32, error) {
	if target < 0 || target >= len(c.weights.Classes) {
		return nil, fmt.Errorf("target %d out of range for %d outputs", target, len(c.weights.Classes))
	}
	_, grad, err := c.evaluate(ctx, input, target)
	return grad, err
}

func (c *NativeClassifier) evaluate(ctx context.Context, input *imaging.Tensor, target int) ([]float32, []float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := checkInput(input, c.weights.ImageSize); err != nil {
		return nil, nil, err
	}

	outputs := len(c.weights.Classes)
	xs := make([]float32, len(input.Data))
	copy(xs, input.Data)
	mask := make([]float32, outputs)
	mask[target] = 1

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.vm.Reset()

	if err := gorgonia.Let(c.x, tensor.New(tensor.WithShape(1, len(xs)), tensor.WithBacking(xs))); err != nil {
		return nil, nil, fmt.Errorf("failed to bind input: %w", err)
	}
	if err := gorgonia.Let(c.target, tensor.New(tensor.WithShape(1, outputs), tensor.WithBacking(mask))); err != nil {
		return nil, nil, fmt.Errorf("failed to bind target: %w", err)
	}
	if err := c.vm.RunAll(); err != nil {
		return nil, nil, fmt.Errorf("inference failed: %w", err)
	}

	out, err := float32s(c.outValue)
	if err != nil {
		return nil, nil, err
	}
	grad, err := float32s(c.grad.Value())
	if err != nil {
		return nil, nil, err
	}
	return out, grad, nil
}

func (c *NativeClassifier) Close() error {
	return c.vm.Close()
}

func float32s(v gorgonia.Value) ([]float32, error) {
	if v == nil {
		return nil, fmt.Errorf("graph produced no value")
	}
	data, ok := v.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected value type %T", v.Data())
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
