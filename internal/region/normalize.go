package region

import (
	"fmt"
	"image"
	"math"

	"github.com/adverant/nexus/regionocr-worker/internal/errors"
)

// clampEpsilon absorbs floating-point noise at the edges of the unit square.
const clampEpsilon = 1e-9

// PixelBox is a bounding box in pixel coordinates of one rendered page.
type PixelBox struct {
	X0 float64
	Y0 float64
	X1 float64
	Y1 float64
}

// PixelBoxFromRect converts an integer image rectangle.
func PixelBoxFromRect(r image.Rectangle) PixelBox {
	return PixelBox{X0: float64(r.Min.X), Y0: float64(r.Min.Y), X1: float64(r.Max.X), Y1: float64(r.Max.Y)}
}

// Normalize converts a pixel box on a width x height page into the unit
// square. It returns a MALFORMED_REGION error when the result violates the
// ordering or range invariants.
func Normalize(px PixelBox, width, height int) (Box, error) {
	if width <= 0 || height <= 0 {
		return Box{}, errors.NewMalformedRegionError("", fmt.Sprintf("page dimensions %dx%d", width, height))
	}
	b := Box{
		X0: clampUnit(px.X0 / float64(width)),
		Y0: clampUnit(px.Y0 / float64(height)),
		X1: clampUnit(px.X1 / float64(width)),
		Y1: clampUnit(px.Y1 / float64(height)),
	}
	if err := Validate(b); err != nil {
		return Box{}, err
	}
	return b, nil
}

// Denormalize maps a normalized box onto a page rendered at width x height.
// It is the exact inverse of Normalize up to floating-point rounding.
func Denormalize(b Box, width, height int) PixelBox {
	return PixelBox{
		X0: b.X0 * float64(width),
		Y0: b.Y0 * float64(height),
		X1: b.X1 * float64(width),
		Y1: b.Y1 * float64(height),
	}
}

// Rect returns the integer pixel rectangle covering the box on a width x
// height page, rounded outward and clipped to the page.
func (b Box) Rect(width, height int) image.Rectangle {
	px := Denormalize(b, width, height)
	r := image.Rect(
		int(math.Floor(px.X0)),
		int(math.Floor(px.Y0)),
		int(math.Ceil(px.X1)),
		int(math.Ceil(px.Y1)),
	)
	return r.Intersect(image.Rect(0, 0, width, height))
}

// Validate checks 0 <= x0 < x1 <= 1 and 0 <= y0 < y1 <= 1.
func Validate(b Box) error {
	for _, v := range []float64{b.X0, b.Y0, b.X1, b.Y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewMalformedRegionError("", "non-finite coordinate")
		}
		if v < 0 || v > 1 {
			return errors.NewMalformedRegionError("", fmt.Sprintf("coordinate %g outside [0,1]", v))
		}
	}
	if b.X0 >= b.X1 {
		return errors.NewMalformedRegionError("", fmt.Sprintf("x0=%g is not less than x1=%g", b.X0, b.X1))
	}
	if b.Y0 >= b.Y1 {
		return errors.NewMalformedRegionError("", fmt.Sprintf("y0=%g is not less than y1=%g", b.Y0, b.Y1))
	}
	return nil
}

// ValidateRegion validates a region's box and tags the error with its ID.
func ValidateRegion(r Region) error {
	if err := Validate(r.Box); err != nil {
		reason := err.(*errors.ProcessingError).Details["reason"]
		return errors.NewMalformedRegionError(r.ID, fmt.Sprint(reason))
	}
	return nil
}

func clampUnit(v float64) float64 {
	if v < 0 && v > -clampEpsilon {
		return 0
	}
	if v > 1 && v < 1+clampEpsilon {
		return 1
	}
	return v
}
