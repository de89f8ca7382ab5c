package detector

import (
	"fmt"

	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// Config tunes the cascade. Every threshold is a heuristic default and can be
// overridden from the environment through internal/config.
type Config struct {
	// MinCoverage is the fraction of the page a stage's candidates must
	// cover, after dedupe, for the stage to win.
	MinCoverage float64
	// IoUThreshold drops a candidate overlapping a kept one by more than this.
	IoUThreshold float64
	// MergeDistance is the centroid distance (normalized) under which
	// fragments of one text line are joined.
	MergeDistance float64
	// MinContrast is the grey-level spread below which a page is blank.
	MinContrast uint8

	// ScoreThreshold marks model score-map pixels as text.
	ScoreThreshold float64
	// MinModelConfidence discards model boxes with a lower mean score.
	MinModelConfidence float64

	// MinBoxArea is the smallest candidate area in page pixels.
	MinBoxArea int
	// MinTextAspect is the smallest width/height ratio of a text line.
	MinTextAspect float64
	// MinTextHeightPx and MaxTextHeightFraction bound classical line height.
	MinTextHeightPx       int
	MaxTextHeightFraction float64
	// MaxClassicalConfidence caps the uncalibrated classical score.
	MaxClassicalConfidence float64

	// TemplateConfidence is assigned to every template box.
	TemplateConfidence float64
	// Template lists the fixed field boxes of the document family.
	Template []TemplateField
}

// DefaultConfig returns the defaults used by the worker.
func DefaultConfig() Config {
	return Config{
		MinCoverage:            0.01,
		IoUThreshold:           0.5,
		MergeDistance:          0.1,
		MinContrast:            32,
		ScoreThreshold:         0.5,
		MinModelConfidence:     0.3,
		MinBoxArea:             60,
		MinTextAspect:          1.5,
		MinTextHeightPx:        4,
		MaxTextHeightFraction:  0.2,
		MaxClassicalConfidence: 0.6,
		TemplateConfidence:     0.2,
		Template:               LeaseAbstractTemplate(),
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	unit := map[string]float64{
		"MinCoverage":            c.MinCoverage,
		"IoUThreshold":           c.IoUThreshold,
		"ScoreThreshold":         c.ScoreThreshold,
		"MinModelConfidence":     c.MinModelConfidence,
		"MaxTextHeightFraction":  c.MaxTextHeightFraction,
		"MaxClassicalConfidence": c.MaxClassicalConfidence,
		"TemplateConfidence":     c.TemplateConfidence,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			return fmt.Errorf("detector %s must be within [0,1], got %g", name, v)
		}
	}
	if c.MergeDistance < 0 {
		return fmt.Errorf("detector MergeDistance must be non-negative, got %g", c.MergeDistance)
	}
	if c.MinBoxArea < 0 || c.MinTextHeightPx < 0 {
		return fmt.Errorf("detector pixel minimums must be non-negative")
	}
	if c.MinTextAspect <= 0 {
		return fmt.Errorf("detector MinTextAspect must be positive, got %g", c.MinTextAspect)
	}
	for _, f := range c.Template {
		if err := region.Validate(f.Box); err != nil {
			return fmt.Errorf("template field %q: %w", f.Label, err)
		}
	}
	return nil
}
