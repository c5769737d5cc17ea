// Package saliency explains a single classification with a per-pixel
// attribution map and renders it over the input image.
package saliency

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
)

const (
	MethodAuto      = "auto"
	MethodGradient  = "gradient"
	MethodOcclusion = "occlusion"
)

// Options configures an Explainer.
type Options struct {
	Method          string
	OutputDir       string
	OverlaySize     int
	Alpha           float64
	OcclusionPatch  int
	OcclusionStride int
	Caption         string
}

// DefaultOptions mirrors the 6in/100dpi figure of the reference renderer.
func DefaultOptions() Options {
	return Options{
		Method:         MethodAuto,
		OutputDir:      "saliency_outputs",
		OverlaySize:    600,
		Alpha:          0.5,
		OcclusionPatch: 16,
	}
}

// Explanation is the outcome of one Explain call.
type Explanation struct {
	Map         *Map    `json:"-"`
	OverlayPath string  `json:"overlay_path"`
	Method      string  `json:"method"`
	Target      int     `json:"target"`
	Score       float32 `json:"score"`
}

type Explainer struct {
	opts Options
}

func NewExplainer(opts Options) (*Explainer, error) {
	def := DefaultOptions()
	if opts.Method == "" {
		opts.Method = def.Method
	}
	switch opts.Method {
	case MethodAuto, MethodGradient, MethodOcclusion:
	default:
		return nil, fmt.Errorf("unknown saliency method %q", opts.Method)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = def.OutputDir
	}
	if opts.OverlaySize <= 0 {
		opts.OverlaySize = def.OverlaySize
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.OcclusionPatch <= 0 {
		opts.OcclusionPatch = def.OcclusionPatch
	}
	if opts.OcclusionStride <= 0 {
		opts.OcclusionStride = opts.OcclusionPatch
	}
	return &Explainer{opts: opts}, nil
}

func (e *Explainer) Options() Options {
	return e.opts
}

// Explain computes the attribution map for input and writes the overlay
// image to a new uniquely named file in the output directory.
func (e *Explainer) Explain(ctx context.Context, clf model.Classifier, input *imaging.Tensor) (*Explanation, error) {
	exp, err := e.Compute(ctx, clf, input)
	if err != nil {
		return nil, err
	}

	path, err := WriteOverlay(e.opts.OutputDir, Render(input, exp.Map, e.opts))
	if err != nil {
		return nil, err
	}
	exp.OverlayPath = path
	return exp, nil
}

// Compute runs the classifier once to find the target output and then
// attributes it to the input pixels. No files are written.
func (e *Explainer) Compute(ctx context.Context, clf model.Classifier, input *imaging.Tensor) (*Explanation, error) {
	if clf == nil || input == nil {
		return nil, errors.New("classifier and input are required")
	}

	outputs, err := clf.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to score input: %w", err)
	}
	target, err := Target(outputs)
	if err != nil {
		return nil, err
	}

	method := e.opts.Method
	diff, differentiable := clf.(model.Differentiable)
	if differentiable && !clf.Info().Differentiable {
		differentiable = false
	}
	if method == MethodAuto {
		method = MethodGradient
		if !differentiable {
			log.Printf("Classifier backend %s has no input gradients, falling back to occlusion attribution", clf.Info().Backend)
			method = MethodOcclusion
		}
	}

	var m *Map
	switch method {
	case MethodGradient:
		if !differentiable {
			return nil, model.ErrNotDifferentiable
		}
		m, err = gradientMap(ctx, diff, input, target)
	case MethodOcclusion:
		m, err = occlusionMap(ctx, clf, input, target, outputs[target], e.opts.OcclusionPatch, e.opts.OcclusionStride)
	}
	if err != nil {
		return nil, err
	}

	m.normalize()
	return &Explanation{Map: m, Method: method, Target: target, Score: outputs[target]}, nil
}

// Target picks the output element to explain. A single sigmoid output is
// explained directly: it is the only score, not the winner of a
// comparison. Longer outputs use the arg-max class.
func Target(outputs []float32) (int, error) {
	switch len(outputs) {
	case 0:
		return 0, errors.New("empty model output")
	case 1:
		return 0, nil
	}
	best := 0
	for i, v := range outputs {
		if v > outputs[best] {
			best = i
		}
	}
	return best, nil
}

func gradientMap(ctx context.Context, clf model.Differentiable, input *imaging.Tensor, target int) (*Map, error) {
	grad, err := clf.InputGradient(ctx, input, target)
	if err != nil {
		return nil, fmt.Errorf("failed to compute input gradient: %w", err)
	}
	return collapseChannels(grad, input.Height, input.Width, input.Channels)
}
