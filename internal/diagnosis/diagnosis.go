// Package diagnosis turns the classifier probability into the label and
// confidence shown to users.
package diagnosis

import "math"

type Label string

const (
	Pneumonia Label = "Pneumonia"
	Normal    Label = "Normal"
)

// Threshold is exclusive: a probability of exactly 0.5 is Normal.
const Threshold = 0.5

// Result is the label plus the confidence in the reported label, in percent.
type Result struct {
	Label       Label   `json:"diagnosis"`
	Probability float32 `json:"probability"`
	Confidence  float64 `json:"confidence"`
}

// Interpret maps a sigmoid probability of pneumonia to a Result. The
// confidence is always in [50, 100].
func Interpret(p float32) Result {
	if math.IsNaN(float64(p)) || p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}

	// Scale in the model's float32 precision so 0.9 reports as exactly 90.
	if p > Threshold {
		return Result{Label: Pneumonia, Probability: p, Confidence: float64(float32(p * 100))}
	}
	return Result{Label: Normal, Probability: p, Confidence: float64(float32((1 - p) * 100))}
}
