// Package inference runs one uploaded image through preprocessing,
// classification, interpretation and, when wanted, explanation.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"

	"github.com/Brownie44l1/pneumonia-api/internal/diagnosis"
	"github.com/Brownie44l1/pneumonia-api/internal/imaging"
	"github.com/Brownie44l1/pneumonia-api/internal/model"
	"github.com/Brownie44l1/pneumonia-api/internal/saliency"
)

// SaliencyWarning is shown when the diagnosis succeeded but no overlay
// could be produced.
const SaliencyWarning = "could not generate saliency map"

// Analysis is the outcome for one image.
type Analysis struct {
	Result            diagnosis.Result      `json:"result"`
	DisplayConfidence float64               `json:"display_confidence"`
	Smoothed          bool                  `json:"display_smoothed"`
	Explanation       *saliency.Explanation `json:"explanation,omitempty"`
	Warning           string                `json:"warning,omitempty"`
	Image             image.Image           `json:"-"`
}

// Service owns the classifier handle loaded at startup; it is never looked
// up globally.
type Service struct {
	classifier    model.Classifier
	explainer     *saliency.Explainer
	smoother      *diagnosis.Smoother
	explainNormal bool
}

type Options struct {
	// ExplainNormal also explains Normal results; by default only
	// Pneumonia results get a saliency map.
	ExplainNormal bool
	Smoother      *diagnosis.Smoother
}

func NewService(clf model.Classifier, explainer *saliency.Explainer, opts Options) *Service {
	return &Service{
		classifier:    clf,
		explainer:     explainer,
		smoother:      opts.Smoother,
		explainNormal: opts.ExplainNormal,
	}
}

func (s *Service) Classifier() model.Classifier {
	return s.classifier
}

// AnalyzeReader decodes r and analyses the image. Decode failures wrap
// imaging.ErrDecode.
func (s *Service) AnalyzeReader(ctx context.Context, r io.Reader) (*Analysis, error) {
	img, format, err := imaging.Decode(r)
	if err != nil {
		return nil, err
	}
	log.Printf("Image format: %s, dimensions: %dx%d", format, img.Bounds().Dx(), img.Bounds().Dy())
	return s.Analyze(ctx, img)
}

// Analyze classifies img and, for results that warrant it, explains it.
// A failed explanation is reported as a warning, not an error.
func (s *Service) Analyze(ctx context.Context, img image.Image) (*Analysis, error) {
	input, err := imaging.Preprocess(img, s.classifier.Info().ImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}

	a, err := s.classify(ctx, input)
	if err != nil {
		return nil, err
	}
	a.Image = img

	if s.explainer == nil || (a.Result.Label != diagnosis.Pneumonia && !s.explainNormal) {
		return a, nil
	}

	exp, err := s.explainer.Explain(ctx, s.classifier, input)
	if err != nil {
		log.Printf("Saliency error: %v", err)
		a.Warning = SaliencyWarning
		return a, nil
	}
	a.Explanation = exp
	return a, nil
}

// AnalyzeTensor classifies an already preprocessed tensor. No saliency map
// is produced.
func (s *Service) AnalyzeTensor(ctx context.Context, input *imaging.Tensor) (*Analysis, error) {
	return s.classify(ctx, input)
}

func (s *Service) classify(ctx context.Context, input *imaging.Tensor) (*Analysis, error) {
	outputs, err := s.classifier.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	p, err := model.Probability(outputs, s.classifier.Info())
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}

	r := diagnosis.Interpret(p)
	return &Analysis{
		Result:            r,
		DisplayConfidence: s.smoother.Display(r),
		Smoothed:          s.smoother.Enabled(),
	}, nil
}

// IsInputError reports whether err was caused by the caller's image.
func IsInputError(err error) bool {
	return errors.Is(err, imaging.ErrDecode)
}
