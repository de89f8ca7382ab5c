// Package detector proposes text regions on a rendered page by running a
// cascade of strategies: a pretrained text-detection model, a classical
// computer-vision pass, and a fixed template. The first strategy that covers
// enough of the page wins.
package detector

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/imaging"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// pageInput is what every stage sees: the grayscale page and its ink mask.
type pageInput struct {
	index int
	gray  *image.Gray
	ink   *imaging.Mask
}

type stage interface {
	Name() region.Source
	Detect(ctx context.Context, p *pageInput) ([]region.Region, error)
}

// StageTrace records what one stage did on one page.
type StageTrace struct {
	Stage      region.Source `json:"stage"`
	Candidates int           `json:"candidates"`
	Coverage   float64       `json:"coverage"`
	Skipped    string        `json:"skipped,omitempty"`
}

// Result is the outcome of the cascade on one page.
type Result struct {
	Regions  []region.Region `json:"regions"`
	Stage    region.Source   `json:"stage,omitempty"`
	Coverage float64         `json:"coverage"`
	Trace    []StageTrace    `json:"trace"`
}

// Cascade runs the detection stages in priority order. One Cascade is meant
// to serve one extraction session and is safe for concurrent pages.
type Cascade struct {
	cfg    Config
	model  TextDetectionModel
	stages []stage
	logger *logging.Logger

	modelOnce  sync.Once
	modelErr   error
	failedOnce sync.Once
}

// NewCascade builds the cascade. model may be nil, in which case the model
// stage reports DETECTION_MODEL_UNAVAILABLE and the cascade falls back.
func NewCascade(cfg Config, model TextDetectionModel, logger *logging.Logger) (*Cascade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	if logger == nil {
		logger = logging.NewLogger("detector")
	}
	c := &Cascade{cfg: cfg, model: model, logger: logger}
	if model != nil {
		c.stages = append(c.stages, &modelStage{model: model, cfg: cfg})
	}
	c.stages = append(c.stages,
		&classicalStage{cfg: cfg},
		&templateStage{fields: cfg.Template, confidence: cfg.TemplateConfidence},
	)
	return c, nil
}

// Detect proposes regions for the page at pageIndex. Known regions (manual
// definitions for this page) bypass the cascade entirely.
func (c *Cascade) Detect(ctx context.Context, img image.Image, pageIndex int, known []region.Region) (*Result, error) {
	if len(known) > 0 {
		out := make([]region.Region, len(known))
		copy(out, known)
		region.SortReadingOrder(out)
		return &Result{Regions: out, Stage: region.SourceManual, Coverage: region.Coverage(out)}, nil
	}

	gray := imaging.ToGray(img)
	p := &pageInput{
		index: pageIndex,
		gray:  gray,
		ink:   imaging.BinarizeOtsu(gray, c.cfg.MinContrast),
	}
	res := &Result{}

	if p.ink.Count() == 0 {
		for _, name := range c.stageNames() {
			res.Trace = append(res.Trace, StageTrace{Stage: name, Skipped: "blank page"})
		}
		c.logger.Debug("Blank page, no regions", "page", pageIndex)
		return res, nil
	}

	if c.model == nil {
		c.reportModelUnavailable(errors.NewDetectionModelUnavailableError("none", nil))
		res.Trace = append(res.Trace, StageTrace{Stage: region.SourceModel, Skipped: "model unavailable"})
	}

	var fallback *Result
	for _, st := range c.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if st.Name() == region.SourceModel && !c.modelReady(ctx) {
			res.Trace = append(res.Trace, StageTrace{Stage: st.Name(), Skipped: "model unavailable"})
			continue
		}

		candidates, err := st.Detect(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if st.Name() == region.SourceModel {
				c.reportModelFailure(err)
			} else {
				c.logger.Warn("Detector stage failed", "stage", st.Name(), "page", pageIndex, "error", err)
			}
			res.Trace = append(res.Trace, StageTrace{Stage: st.Name(), Skipped: err.Error()})
			continue
		}

		regions := c.finalize(st.Name(), pageIndex, candidates, gray.Bounds())
		coverage := region.Coverage(regions)
		res.Trace = append(res.Trace, StageTrace{Stage: st.Name(), Candidates: len(regions), Coverage: coverage})

		if coverage >= c.cfg.MinCoverage && len(regions) > 0 {
			res.Regions, res.Stage, res.Coverage = regions, st.Name(), coverage
			c.logger.Debug("Detector stage won",
				"stage", st.Name(), "page", pageIndex, "regions", len(regions), "coverage", coverage)
			return res, nil
		}

		c.logger.Debug("Insufficient coverage, trying next stage",
			"error", errors.NewInsufficientCoverageError(string(st.Name()), coverage, c.cfg.MinCoverage).Error(),
			"page", pageIndex)
		if len(regions) > 0 && (fallback == nil || coverage > fallback.Coverage) {
			fallback = &Result{Regions: regions, Stage: st.Name(), Coverage: coverage}
		}
	}

	if fallback != nil {
		res.Regions, res.Stage, res.Coverage = fallback.Regions, fallback.Stage, fallback.Coverage
	}
	return res, nil
}

// finalize merges line fragments, removes duplicates and assigns stable IDs.
func (c *Cascade) finalize(stage region.Source, pageIndex int, candidates []region.Region, bounds image.Rectangle) []region.Region {
	if len(candidates) == 0 {
		return nil
	}
	if stage != region.SourceTemplate {
		candidates = region.MergeLines(candidates, region.MergeOptions{
			MaxCentroidDistance: c.cfg.MergeDistance,
			MinAspect:           c.cfg.MinTextAspect,
			PageWidth:           bounds.Dx(),
			PageHeight:          bounds.Dy(),
		})
	}
	regions := region.Dedupe(candidates, c.cfg.IoUThreshold)
	for i := range regions {
		regions[i].ID = fmt.Sprintf("%s-p%d-%d", stage, pageIndex, i)
		regions[i].PageIndex = pageIndex
		regions[i].Source = stage
	}
	return regions
}

func (c *Cascade) modelReady(ctx context.Context) bool {
	c.modelOnce.Do(func() {
		if err := c.model.Ready(ctx); err != nil {
			c.modelErr = errors.NewDetectionModelUnavailableError(c.model.Name(), err)
			c.reportModelUnavailable(c.modelErr)
		}
	})
	return c.modelErr == nil
}

func (c *Cascade) reportModelUnavailable(err error) {
	c.failedOnce.Do(func() {
		c.logger.Warn("Text detection model unavailable, falling back to classical detection", "error", err)
	})
}

func (c *Cascade) reportModelFailure(err error) {
	c.failedOnce.Do(func() {
		c.logger.Warn("Text detection model failed, falling back to classical detection", "error", err)
	})
}

func (c *Cascade) stageNames() []region.Source {
	names := make([]region.Source, 0, len(c.stages)+1)
	if c.model == nil {
		names = append(names, region.SourceModel)
	}
	for _, st := range c.stages {
		names = append(names, st.Name())
	}
	return names
}
