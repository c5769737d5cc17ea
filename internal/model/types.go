package model

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// Metadata describes the tensors of an exported ONNX classifier.
type Metadata struct {
	InputShape     []int64  `json:"input_shape"`
	OutputShape    []int64  `json:"output_shape"`
	Classes        []string `json:"classes"`
	PositiveClass  string   `json:"positive_class"`
	ImageSize      int      `json:"image_size"`
	Layout         string   `json:"layout"`
	InputName      string   `json:"input_name"`
	OutputName     string   `json:"output_name"`
	GradientOutput string   `json:"gradient_output,omitempty"`
}

// Info summarises a loaded classifier for callers and the health endpoint.
type Info struct {
	Backend        string   `json:"backend"`
	ImageSize      int      `json:"image_size"`
	Classes        []string `json:"classes"`
	PositiveIndex  int      `json:"positive_index"`
	Differentiable bool     `json:"differentiable"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// LoadMetadata reads and validates the metadata JSON next to an ONNX model.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if err := metadata.normalize(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

func (m *Metadata) normalize() error {
	if m.Layout == "" {
		m.Layout = LayoutNHWC
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, 1}
	}

	if len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape must have 4 dimensions, got %v", m.InputShape)
	}
	var height, width, channels int64
	switch m.Layout {
	case LayoutNHWC:
		height, width, channels = m.InputShape[1], m.InputShape[2], m.InputShape[3]
	case LayoutNCHW:
		channels, height, width = m.InputShape[1], m.InputShape[2], m.InputShape[3]
	default:
		return fmt.Errorf("unknown layout %q", m.Layout)
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("batch dimension must be 1, got %d", m.InputShape[0])
	}
	if height != width {
		return fmt.Errorf("input must be square, got %dx%d", height, width)
	}
	if channels != 3 {
		return fmt.Errorf("input must have 3 channels, got %d", channels)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(height)
	}
	if int64(m.ImageSize) != height {
		return fmt.Errorf("image_size %d does not match input_shape %v", m.ImageSize, m.InputShape)
	}

	outputs := m.OutputCount()
	if len(m.Classes) == 0 && outputs == 1 {
		m.Classes = []string{"Pneumonia"}
	}
	if len(m.Classes) != outputs {
		return fmt.Errorf("%d classes for %d outputs", len(m.Classes), outputs)
	}
	if _, err := m.PositiveIndex(); err != nil {
		return err
	}
	return nil
}

// OutputCount is the number of scores the model emits per image.
func (m Metadata) OutputCount() int {
	n := 1
	for _, dim := range m.OutputShape {
		n *= int(dim)
	}
	return n
}

// InputLen is the number of float32 values of one input batch.
func (m Metadata) InputLen() int {
	n := 1
	for _, dim := range m.InputShape {
		n *= int(dim)
	}
	return n
}

// PositiveIndex is the output index holding the pneumonia score. A single
// sigmoid output is always index 0.
func (m Metadata) PositiveIndex() (int, error) {
	return positiveIndex(m.Classes, m.PositiveClass)
}

func positiveIndex(classes []string, positive string) (int, error) {
	if len(classes) <= 1 {
		return 0, nil
	}
	for i, c := range classes {
		if c == positive {
			return i, nil
		}
	}
	return 0, fmt.Errorf("positive_class %q not in classes %v", positive, classes)
}
