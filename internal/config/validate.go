package config

import (
	"errors"
	"fmt"
)

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	var errs []error

	switch c.Model.Backend {
	case "onnx":
		if c.Model.MetadataPath == "" {
			errs = append(errs, errors.New("model.metadata_path is required for the onnx backend"))
		}
	case "native":
	default:
		errs = append(errs, fmt.Errorf("model.backend must be onnx or native, got %q", c.Model.Backend))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}

	switch c.Saliency.Method {
	case "auto", "gradient", "occlusion":
	default:
		errs = append(errs, fmt.Errorf("saliency.method must be auto, gradient or occlusion, got %q", c.Saliency.Method))
	}
	if c.Saliency.Alpha > 1 {
		errs = append(errs, fmt.Errorf("saliency.alpha must be in (0,1], got %g", c.Saliency.Alpha))
	}

	s := c.Diagnosis.Smoothing
	if s.Enabled {
		if s.PneumoniaBand.Min > s.PneumoniaBand.Max || s.NormalBand.Min > s.NormalBand.Max {
			errs = append(errs, errors.New("diagnosis.smoothing bands must have min <= max"))
		}
		if s.PneumoniaJitter.Min > s.PneumoniaJitter.Max || s.NormalJitter.Min > s.NormalJitter.Max {
			errs = append(errs, errors.New("diagnosis.smoothing jitter must have min <= max"))
		}
	}

	return errors.Join(errs...)
}
