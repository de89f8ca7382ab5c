package detector

import (
	"context"
	"image"
	"math"

	"github.com/adverant/nexus/regionocr-worker/internal/imaging"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// classicalStage finds text lines with binarization, horizontal smearing and
// connected components. Its confidence is a shape heuristic, not a
// probability, so it is capped below what the model stage can reach.
type classicalStage struct {
	cfg Config
}

func (s *classicalStage) Name() region.Source { return region.SourceClassical }

func (s *classicalStage) Detect(ctx context.Context, p *pageInput) ([]region.Region, error) {
	ink := p.ink
	glyphs := imaging.Components(ink)
	charHeight := imaging.MedianHeight(glyphs)
	if charHeight == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := imaging.Components(imaging.DilateHorizontal(ink, max(2, charHeight)))
	maxHeight := s.cfg.MaxTextHeightFraction * float64(ink.H)

	type candidate struct {
		rect image.Rectangle
		fill float64
	}
	var cands []candidate
	for _, l := range lines {
		rect := tighten(ink, l.Bounds)
		w, h := rect.Dx(), rect.Dy()
		if h < s.cfg.MinTextHeightPx || float64(h) > maxHeight {
			continue
		}
		if w*h < s.cfg.MinBoxArea {
			continue
		}
		if float64(w)/float64(h) < s.cfg.MinTextAspect {
			continue
		}
		cands = append(cands, candidate{
			rect: rect,
			fill: float64(ink.CountIn(rect)) / float64(w*h),
		})
	}
	if len(cands) == 0 {
		return nil, nil
	}

	comps := make([]imaging.Component, len(cands))
	for i, c := range cands {
		comps[i] = imaging.Component{Bounds: c.rect}
	}
	median := float64(imaging.MedianHeight(comps))

	out := make([]region.Region, 0, len(cands))
	for _, c := range cands {
		box, err := region.Normalize(region.PixelBoxFromRect(c.rect), ink.W, ink.H)
		if err != nil {
			continue
		}
		h := float64(c.rect.Dy())
		consistency := math.Min(h, median) / math.Max(h, median)
		out = append(out, region.Region{
			Box:        box,
			Confidence: s.cfg.MaxClassicalConfidence * (0.5*c.fill + 0.5*consistency),
		})
	}
	return out, nil
}

// tighten shrinks r to the ink pixels it contains, undoing the smear.
func tighten(m *imaging.Mask, r image.Rectangle) image.Rectangle {
	minX, minY, maxX, maxY := r.Max.X, r.Max.Y, r.Min.X-1, r.Min.Y-1
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if m.At(x, y) {
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			}
		}
	}
	if maxX < minX {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}
