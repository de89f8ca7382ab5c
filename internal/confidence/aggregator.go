// Package confidence blends detector and OCR confidence into the single
// score that decides whether an extracted value is accepted.
package confidence

import (
	"fmt"
	"math"
)

// Status is the decision attached to an extraction record.
type Status string

const (
	StatusAccepted    Status = "accepted"
	StatusNeedsReview Status = "needs_review"
	StatusRejected    Status = "rejected"
)

// Config holds the blend weights and decision thresholds.
type Config struct {
	WeightDetector  float64
	WeightOCR       float64
	AcceptThreshold float64
	ReviewThreshold float64
}

// DefaultConfig weights OCR above the detector (0.4 / 0.6) and accepts at 0.8.
func DefaultConfig() Config {
	return Config{
		WeightDetector:  0.4,
		WeightOCR:       0.6,
		AcceptThreshold: 0.8,
		ReviewThreshold: 0.5,
	}
}

// Validate checks weights are non-negative and sum to 1, and that
// 0 <= review <= accept <= 1.
func (c Config) Validate() error {
	if c.WeightDetector < 0 || c.WeightOCR < 0 {
		return fmt.Errorf("confidence weights must be non-negative (detector=%g, ocr=%g)", c.WeightDetector, c.WeightOCR)
	}
	if math.Abs(c.WeightDetector+c.WeightOCR-1) > 1e-9 {
		return fmt.Errorf("confidence weights must sum to 1, got %g", c.WeightDetector+c.WeightOCR)
	}
	if c.ReviewThreshold < 0 || c.AcceptThreshold > 1 || c.ReviewThreshold > c.AcceptThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= review (%g) <= accept (%g) <= 1", c.ReviewThreshold, c.AcceptThreshold)
	}
	return nil
}

// Aggregator is the only place combined confidence is computed.
type Aggregator struct {
	cfg Config
}

// NewAggregator validates cfg and returns an aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{cfg: cfg}, nil
}

// Config returns the aggregator's configuration.
func (a *Aggregator) Config() Config { return a.cfg }

// Combine returns the weighted blend of detector and OCR confidence. Inputs
// are clamped to [0,1], so the result is monotone non-decreasing in both.
func (a *Aggregator) Combine(detector, ocr float64) float64 {
	return a.cfg.WeightDetector*clamp(detector) + a.cfg.WeightOCR*clamp(ocr)
}

// Decide maps a combined score to a status.
func (a *Aggregator) Decide(combined float64) Status {
	switch {
	case combined >= a.cfg.AcceptThreshold:
		return StatusAccepted
	case combined >= a.cfg.ReviewThreshold:
		return StatusNeedsReview
	default:
		return StatusRejected
	}
}

// Evaluate combines and decides in one step.
func (a *Aggregator) Evaluate(detector, ocr float64) (float64, Status) {
	combined := a.Combine(detector, ocr)
	return combined, a.Decide(combined)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
