package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
)

// linearWeights builds a 2×2 image network whose hidden unit is the
// identity on a positive pre-activation, so the gradient is analytic.
func linearWeights() NativeWeights {
	inputs := 2 * 2 * imaging.Channels
	w1 := make([]float32, inputs)
	for i := range w1 {
		w1[i] = float32(i+1) / 10
	}
	return NativeWeights{
		ImageSize: 2,
		Hidden:    1,
		W1:        w1,
		B1:        []float32{0.5},
		W2:        []float32{1},
		B2:        []float32{-1},
	}
}

func uniformTensor(size int, v float32) *imaging.Tensor {
	t := imaging.NewTensor(size, size, imaging.Channels)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func TestNativePredictMatchesAnalytic(t *testing.T) {
	w := linearWeights()
	clf, err := NewNativeClassifier(w)
	if err != nil {
		t.Fatalf("NewNativeClassifier failed: %v", err)
	}
	defer clf.Close()

	input := uniformTensor(2, 0.2)
	out, err := clf.Predict(context.Background(), input)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one output, got %d", len(out))
	}

	var z float64 = 0.5
	for i, wi := range w.W1 {
		z += float64(wi) * float64(input.Data[i])
	}
	want := sigmoid(z - 1)
	if math.Abs(float64(out[0])-want) > 1e-5 {
		t.Fatalf("output = %f, want %f", out[0], want)
	}
}

func TestNativeInputGradientMatchesAnalytic(t *testing.T) {
	w := linearWeights()
	clf, err := NewNativeClassifier(w)
	if err != nil {
		t.Fatalf("NewNativeClassifier failed: %v", err)
	}
	defer clf.Close()

	input := uniformTensor(2, 0.2)
	grad, err := clf.InputGradient(context.Background(), input, 0)
	if err != nil {
		t.Fatalf("InputGradient failed: %v", err)
	}
	if len(grad) != input.Len() {
		t.Fatalf("gradient has %d values, want %d", len(grad), input.Len())
	}

	var z float64 = 0.5
	for i, wi := range w.W1 {
		z += float64(wi) * float64(input.Data[i])
	}
	p := sigmoid(z - 1)
	for i, wi := range w.W1 {
		want := p * (1 - p) * float64(wi)
		if math.Abs(float64(grad[i])-want) > 1e-5 {
			t.Fatalf("grad[%d] = %f, want %f", i, grad[i], want)
		}
	}

	// Repeated evaluation must not accumulate state.
	again, err := clf.InputGradient(context.Background(), input, 0)
	if err != nil {
		t.Fatalf("second InputGradient failed: %v", err)
	}
	for i := range grad {
		if grad[i] != again[i] {
			t.Fatalf("gradient not deterministic at %d: %f != %f", i, grad[i], again[i])
		}
	}
}

func TestNativeRejectsBadInput(t *testing.T) {
	clf, err := NewNativeClassifier(linearWeights())
	if err != nil {
		t.Fatalf("NewNativeClassifier failed: %v", err)
	}
	defer clf.Close()

	if _, err := clf.Predict(context.Background(), uniformTensor(3, 0)); err == nil {
		t.Fatal("expected geometry error")
	}
	if _, err := clf.InputGradient(context.Background(), uniformTensor(2, 0), 1); err == nil {
		t.Fatal("expected target range error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := clf.Predict(ctx, uniformTensor(2, 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNativeWeightsValidation(t *testing.T) {
	w := linearWeights()
	w.B1 = nil
	if _, err := NewNativeClassifier(w); err == nil {
		t.Fatal("expected validation error for missing b1")
	}

	w = linearWeights()
	w.Classes = []string{"Normal", "Pneumonia"}
	w.PositiveClass = "Pneumonia"
	w.W2 = []float32{-1, 1}
	w.B2 = []float32{0, 0}
	clf, err := NewNativeClassifier(w)
	if err != nil {
		t.Fatalf("two-class weights rejected: %v", err)
	}
	defer clf.Close()
	if info := clf.Info(); info.PositiveIndex != 1 || !info.Differentiable {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestLoadNativeClassifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	data, err := json.Marshal(linearWeights())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	clf, err := Open(Options{Backend: BackendNative, Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := clf.(Differentiable); !ok {
		t.Fatal("native classifier should be differentiable")
	}
	if clf.Info().ImageSize != 2 {
		t.Fatalf("unexpected image size %d", clf.Info().ImageSize)
	}

	if _, err := Open(Options{Backend: "tflite"}); err == nil {
		t.Fatal("expected unknown backend error")
	}
}
