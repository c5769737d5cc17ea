package diagnosis

import (
	"math"
	"math/rand"
	"sync"
)

// Band is an inclusive [Min, Max] range.
type Band struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Smoothing configures the presentation-only confidence transform. It is
// not a measure of uncertainty and is never applied to Result.Confidence.
type Smoothing struct {
	Enabled         bool  `yaml:"enabled"`
	Seed            int64 `yaml:"seed"`
	PneumoniaBand   Band  `yaml:"pneumonia_band"`
	PneumoniaJitter Band  `yaml:"pneumonia_jitter"`
	NormalBand      Band  `yaml:"normal_band"`
	NormalJitter    Band  `yaml:"normal_jitter"`
}

// DefaultSmoothing returns the bands used by the original demo, disabled.
func DefaultSmoothing() Smoothing {
	return Smoothing{
		PneumoniaBand:   Band{Min: 94.1, Max: 97.3},
		PneumoniaJitter: Band{Min: -0.3, Max: 0.3},
		NormalBand:      Band{Min: 94.1, Max: 97.5},
		NormalJitter:    Band{Min: -0.4, Max: 0.2},
	}
}

// Smoother applies Smoothing. A nil or disabled Smoother returns the raw
// confidence rounded to two decimals.
type Smoother struct {
	cfg Smoothing

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSmoother(cfg Smoothing) *Smoother {
	return &Smoother{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Enabled reports whether Display alters the confidence.
func (s *Smoother) Enabled() bool {
	return s != nil && s.cfg.Enabled
}

// Display returns the confidence to present for r.
func (s *Smoother) Display(r Result) float64 {
	if !s.Enabled() {
		return round2(r.Confidence)
	}

	band, jitter := s.cfg.NormalBand, s.cfg.NormalJitter
	if r.Label == Pneumonia {
		band, jitter = s.cfg.PneumoniaBand, s.cfg.PneumoniaJitter
	}

	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()

	v := math.Min(math.Max(r.Confidence, band.Min), band.Max)
	v += jitter.Min + u*(jitter.Max-jitter.Min)
	return round2(v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
