package detector

import (
	"context"
	"fmt"
	"image"

	"github.com/adverant/nexus/regionocr-worker/internal/imaging"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// ScoreMap is a per-pixel text probability map. It may be coarser than the
// page raster; boxes are normalized against the map's own dimensions.
type ScoreMap struct {
	Width  int
	Height int
	Scores []float32
}

// At returns the score at (x, y).
func (s *ScoreMap) At(x, y int) float32 { return s.Scores[y*s.Width+x] }

func (s *ScoreMap) validate() error {
	if s == nil || s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("empty score map")
	}
	if len(s.Scores) != s.Width*s.Height {
		return fmt.Errorf("score map has %d values for %dx%d", len(s.Scores), s.Width, s.Height)
	}
	return nil
}

// TextDetectionModel is a pretrained text detector.
type TextDetectionModel interface {
	// Name identifies the model in logs.
	Name() string
	// Ready returns an error when the model is not loaded.
	Ready(ctx context.Context) error
	// Predict scores every pixel of the page for text probability.
	Predict(ctx context.Context, page *image.Gray) (*ScoreMap, error)
}

type modelStage struct {
	model TextDetectionModel
	cfg   Config
}

func (s *modelStage) Name() region.Source { return region.SourceModel }

func (s *modelStage) Detect(ctx context.Context, p *pageInput) ([]region.Region, error) {
	scores, err := s.model.Predict(ctx, p.gray)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if err := scores.validate(); err != nil {
		return nil, err
	}

	mask := imaging.NewMask(scores.Width, scores.Height)
	threshold := float32(s.cfg.ScoreThreshold)
	for i, v := range scores.Scores {
		mask.Pix[i] = v > threshold
	}

	pageW, pageH := p.gray.Bounds().Dx(), p.gray.Bounds().Dy()
	pagePixels := float64(pageW * pageH)

	var out []region.Region
	for _, comp := range imaging.Components(mask) {
		box, err := region.Normalize(region.PixelBoxFromRect(comp.Bounds), scores.Width, scores.Height)
		if err != nil {
			continue
		}
		if box.Area()*pagePixels < float64(s.cfg.MinBoxArea) {
			continue
		}
		conf := meanScore(scores, comp.Bounds)
		if conf < s.cfg.MinModelConfidence {
			continue
		}
		out = append(out, region.Region{Box: box, Confidence: conf})
	}
	return out, nil
}

func meanScore(s *ScoreMap, r image.Rectangle) float64 {
	var sum float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum += float64(s.At(x, y))
		}
	}
	n := r.Dx() * r.Dy()
	if n == 0 {
		return 0
	}
	v := sum / float64(n)
	if v > 1 {
		return 1
	}
	return v
}
