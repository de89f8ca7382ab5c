// Package imaging holds the raster operations the detector and the OCR
// extractor share: grayscale conversion, thresholding, morphology,
// connected components, scaling and skew correction.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ToGray converts any image to 8-bit grayscale with bounds rebased at (0,0).
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// Crop returns the part of img inside r, sharing pixels when the image
// supports SubImage.
func Crop(img image.Image, r image.Rectangle) (image.Image, error) {
	rect := r.Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("region %v outside image bounds %v", r, img.Bounds())
	}
	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}

// Upscale enlarges g by factor with Catmull-Rom resampling.
func Upscale(g *image.Gray, factor float64) *image.Gray {
	if factor <= 1 {
		return g
	}
	b := g.Bounds()
	w := int(math.Round(float64(b.Dx()) * factor))
	h := int(math.Round(float64(b.Dy()) * factor))
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), g, b, draw.Src, nil)
	return dst
}

// Rotate turns g by -degrees around its center so that content slanting
// down-right by degrees becomes horizontal. Uncovered pixels are white.
func Rotate(g *image.Gray, degrees float64) *image.Gray {
	if degrees == 0 {
		return g
	}
	g = ToGray(g)
	b := g.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	theta := degrees * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	s2d := f64.Aff3{
		cos, sin, cx - (cos*cx + sin*cy),
		-sin, cos, cy - (-sin*cx + cos*cy),
	}
	draw.BiLinear.Transform(dst, s2d, g, b, draw.Over, nil)
	return dst
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Component is one 8-connected blob of ink pixels.
type Component struct {
	Bounds image.Rectangle
	Pixels int
}

// Fill is the fraction of the bounding box covered by ink.
func (c Component) Fill() float64 {
	area := c.Bounds.Dx() * c.Bounds.Dy()
	if area == 0 {
		return 0
	}
	return float64(c.Pixels) / float64(area)
}

// MedianHeight returns the median bounding-box height of comps, 0 if empty.
func MedianHeight(comps []Component) int {
	if len(comps) == 0 {
		return 0
	}
	hs := make([]int, len(comps))
	for i, c := range comps {
		hs[i] = c.Bounds.Dy()
	}
	sort.Ints(hs)
	return hs[len(hs)/2]
}
