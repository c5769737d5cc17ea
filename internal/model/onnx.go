package model

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
)

// ONNXClassifier runs an exported Keras/ONNX model through ONNX Runtime.
// When the metadata names a gradient_output, the graph was exported with
// its reverse-mode input gradient attached and the classifier is
// Differentiable.
type ONNXClassifier struct {
	session        *ort.AdvancedSession
	Metadata       Metadata
	positive       int
	inputTensor    *ort.Tensor[float32]
	outputTensor   *ort.Tensor[float32]
	gradientTensor *ort.Tensor[float32]

	mu sync.Mutex
}

// NewONNXClassifier loads the model and allocates reusable tensors.
func NewONNXClassifier(modelPath, metadataPath, sharedLibraryPath string) (*ONNXClassifier, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}

	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	positive, _ := metadata.PositiveIndex()

	if sharedLibraryPath != "" {
		ort.SetSharedLibraryPath(sharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	c := &ONNXClassifier{Metadata: metadata, positive: positive}

	c.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	c.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	outputNames := []string{metadata.OutputName}
	outputs := []ort.Value{c.outputTensor}

	if metadata.GradientOutput != "" {
		// One input-shaped gradient per output element.
		gradShape := append([]int64{int64(metadata.OutputCount())}, metadata.InputShape...)
		c.gradientTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(gradShape...))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create gradient tensor: %w", err)
		}
		outputNames = append(outputNames, metadata.GradientOutput)
		outputs = append(outputs, c.gradientTensor)
	}

	c.session, err = ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, outputNames,
		[]ort.Value{c.inputTensor}, outputs,
		nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return c, nil
}

func (c *ONNXClassifier) Info() Info {
	return Info{
		Backend:        BackendONNX,
		ImageSize:      c.Metadata.ImageSize,
		Classes:        c.Metadata.Classes,
		PositiveIndex:  c.positive,
		Differentiable: c.gradientTensor != nil,
	}
}

// Predict copies the input into the session tensor and runs the graph.
func (c *ONNXClassifier) Predict(ctx context.Context, input *imaging.Tensor) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.run(ctx, input); err != nil {
		return nil, err
	}

	outputData := c.outputTensor.GetData()
	out := make([]float32, len(outputData))
	copy(out, outputData)
	return out, nil
}

// InputGradient returns d output[target] / d input in NHWC order.
func (c *ONNXClassifier) InputGradient(ctx context.Context, input *imaging.Tensor, target int) ([]float32, error) {
	if c.gradientTensor == nil {
		return nil, ErrNotDifferentiable
	}
	if target < 0 || target >= c.Metadata.OutputCount() {
		return nil, fmt.Errorf("target %d out of range for %d outputs", target, c.Metadata.OutputCount())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.run(ctx, input); err != nil {
		return nil, err
	}

	n := c.Metadata.InputLen()
	row := c.gradientTensor.GetData()[target*n : (target+1)*n]
	if c.Metadata.Layout == LayoutNCHW {
		size := c.Metadata.ImageSize
		return imaging.NCHWToNHWC(row, size, size, imaging.Channels), nil
	}

	grad := make([]float32, n)
	copy(grad, row)
	return grad, nil
}

func (c *ONNXClassifier) run(ctx context.Context, input *imaging.Tensor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkInput(input, c.Metadata.ImageSize); err != nil {
		return err
	}

	if c.Metadata.Layout == LayoutNCHW {
		input.ToNCHW(c.inputTensor.GetData())
	} else {
		copy(c.inputTensor.GetData(), input.Data)
	}

	if err := c.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

func (c *ONNXClassifier) Close() error {
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.gradientTensor != nil {
		c.gradientTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
