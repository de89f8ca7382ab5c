// Package region defines the resolution-independent region model shared by
// manual region definitions and detector output, and the normalizer that
// converts between pixel space and the unit square.
package region

import (
	"encoding/json"
	"fmt"
	"math"
)

// Source tags where a region came from. Manual regions are drawn by a user;
// every other value names the detector stage that produced the region.
type Source string

const (
	SourceManual    Source = "manual"
	SourceModel     Source = "model"
	SourceClassical Source = "classical"
	SourceTemplate  Source = "template"
)

// Box is a bounding box in normalized page coordinates. The origin is the
// top-left corner of the page and (1,1) is the bottom-right corner.
type Box struct {
	X0 float64
	Y0 float64
	X1 float64
	Y1 float64
}

func (b Box) Width() float64  { return b.X1 - b.X0 }
func (b Box) Height() float64 { return b.Y1 - b.Y0 }

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the centroid of the box.
func (b Box) Center() (float64, float64) {
	return (b.X0 + b.X1) / 2, (b.Y0 + b.Y1) / 2
}

// Union returns the smallest box containing both boxes.
func (b Box) Union(o Box) Box {
	return Box{
		X0: math.Min(b.X0, o.X0),
		Y0: math.Min(b.Y0, o.Y0),
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
	}
}

// Intersect returns the overlapping box; it may be degenerate.
func (b Box) Intersect(o Box) Box {
	return Box{
		X0: math.Max(b.X0, o.X0),
		Y0: math.Max(b.Y0, o.Y0),
		X1: math.Min(b.X1, o.X1),
		Y1: math.Min(b.Y1, o.Y1),
	}
}

// IoU is the intersection-over-union ratio of two boxes. IoU is invariant
// under per-axis scaling, so it is the same in pixel and normalized space.
func (b Box) IoU(o Box) float64 {
	inter := b.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// readingLess orders boxes top-to-bottom, then left-to-right.
func readingLess(a, b Box) bool {
	if a.Y0 != b.Y0 {
		return a.Y0 < b.Y0
	}
	if a.X0 != b.X0 {
		return a.X0 < b.X0
	}
	if a.Y1 != b.Y1 {
		return a.Y1 < b.Y1
	}
	return a.X1 < b.X1
}

// MarshalJSON encodes the box as [x0,y0,x1,y1].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X0, b.Y0, b.X1, b.Y1})
}

// UnmarshalJSON decodes a [x0,y0,x1,y1] array.
func (b *Box) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if len(v) != 4 {
		return fmt.Errorf("bbox: expected 4 values, got %d", len(v))
	}
	*b = Box{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}
	return nil
}

// Region is one rectangular field area on a page.
type Region struct {
	ID         string  `json:"id"`
	PageIndex  int     `json:"page_index"`
	Box        Box     `json:"bbox"`
	Label      string  `json:"label"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Coverage returns the fraction of the page claimed by regions, capped at 1.
func Coverage(regions []Region) float64 {
	var sum float64
	for _, r := range regions {
		sum += r.Box.Area()
	}
	return math.Min(sum, 1)
}
