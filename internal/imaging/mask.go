package imaging

import (
	"image"
	"math"
)

// Mask is a binary image; true marks ink.
type Mask struct {
	W, H int
	Pix  []bool
}

// NewMask allocates an empty w x h mask.
func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Pix: make([]bool, w*h)}
}

func (m *Mask) At(x, y int) bool { return m.Pix[y*m.W+x] }

func (m *Mask) Set(x, y int, v bool) { m.Pix[y*m.W+x] = v }

// Count returns the number of ink pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

// CountIn returns the number of ink pixels inside r.
func (m *Mask) CountIn(r image.Rectangle) int {
	r = r.Intersect(image.Rect(0, 0, m.W, m.H))
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Pix[y*m.W : (y+1)*m.W]
		for x := r.Min.X; x < r.Max.X; x++ {
			if row[x] {
				n++
			}
		}
	}
	return n
}

// Gray renders the mask as black ink on white paper.
func (m *Mask) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, m.W, m.H))
	for i, v := range m.Pix {
		if v {
			g.Pix[i] = 0
		} else {
			g.Pix[i] = 255
		}
	}
	return g
}

// Otsu computes the global threshold that maximizes between-class variance.
// A uniform image returns 0 so that nothing is classified as ink.
func Otsu(g *image.Gray) uint8 {
	var hist [256]int
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := g.PixOffset(b.Min.X, y)
		for _, v := range g.Pix[off : off+b.Dx()] {
			hist[v]++
		}
	}
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}
	var sumB, best float64
	var wB int
	threshold := uint8(0)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

// Binarize marks pixels at or below threshold as ink.
func Binarize(g *image.Gray, threshold uint8) *Mask {
	b := g.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < m.H; y++ {
		off := g.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < m.W; x++ {
			m.Pix[y*m.W+x] = g.Pix[off+x] <= threshold
		}
	}
	return m
}

// BinarizeOtsu binarizes with the Otsu threshold. Images without contrast
// (max-min below minContrast) yield an empty mask.
func BinarizeOtsu(g *image.Gray, minContrast uint8) *Mask {
	lo, hi := uint8(255), uint8(0)
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := g.PixOffset(b.Min.X, y)
		for _, v := range g.Pix[off : off+b.Dx()] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if hi < lo || hi-lo < minContrast {
		return NewMask(b.Dx(), b.Dy())
	}
	return Binarize(g, Otsu(g))
}

// AdaptiveThreshold marks a pixel as ink when it is darker than the mean of
// its window x window neighbourhood minus c. The mean comes from an integral
// image so the cost does not depend on the window size.
func AdaptiveThreshold(g *image.Gray, window int, c float64) *Mask {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	m := NewMask(w, h)
	if w == 0 || h == 0 {
		return m
	}
	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		off := g.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			row += int64(g.Pix[off+x])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}
	half := window / 2
	if half < 1 {
		half = 1
	}
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h, y+half+1)
		off := g.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w, x+half+1)
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := float64(sum) / float64((y1-y0)*(x1-x0))
			m.Pix[y*w+x] = float64(g.Pix[off+x]) < mean-c
		}
	}
	return m
}

// DilateHorizontal grows every ink run by radius pixels left and right,
// joining glyphs of one line into a single blob.
func DilateHorizontal(m *Mask, radius int) *Mask {
	out := NewMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		row := m.Pix[y*m.W : (y+1)*m.W]
		dst := out.Pix[y*m.W : (y+1)*m.W]
		last := -1 << 30
		for x := 0; x < m.W; x++ {
			if row[x] {
				last = x
			}
			if x-last <= radius {
				dst[x] = true
			}
		}
		last = 1 << 30
		for x := m.W - 1; x >= 0; x-- {
			if row[x] {
				last = x
			}
			if last-x <= radius {
				dst[x] = true
			}
		}
	}
	return out
}

// Components labels 8-connected ink blobs in scan order.
func Components(m *Mask) []Component {
	seen := make([]bool, len(m.Pix))
	var comps []Component
	stack := make([]int, 0, 64)
	for start, ink := range m.Pix {
		if !ink || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		minX, minY, maxX, maxY := m.W, m.H, -1, -1
		pixels := 0
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%m.W, p/m.W
			pixels++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= m.H {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= m.W {
						continue
					}
					q := ny*m.W + nx
					if m.Pix[q] && !seen[q] {
						seen[q] = true
						stack = append(stack, q)
					}
				}
			}
		}
		comps = append(comps, Component{
			Bounds: image.Rect(minX, minY, maxX+1, maxY+1),
			Pixels: pixels,
		})
	}
	return comps
}

// EstimateSkew searches angles in [-maxDegrees, maxDegrees] for the one whose
// horizontal projection profile of the ink is sharpest, which is the angle
// the text lines run at. Positive angles slope down to the right.
func EstimateSkew(m *Mask, maxDegrees, stepDegrees float64) float64 {
	if stepDegrees <= 0 || maxDegrees <= 0 {
		return 0
	}
	type pt struct{ x, y float64 }
	var pts []pt
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.Pix[y*m.W+x] {
				pts = append(pts, pt{float64(x), float64(y)})
			}
		}
	}
	if len(pts) == 0 {
		return 0
	}
	span := m.H + m.W + 2
	profile := make([]float64, 2*span)

	score := func(deg float64) float64 {
		for i := range profile {
			profile[i] = 0
		}
		t := math.Tan(deg * math.Pi / 180)
		for _, p := range pts {
			bin := int(math.Round(p.y-p.x*t)) + span
			if bin >= 0 && bin < len(profile) {
				profile[bin]++
			}
		}
		var s float64
		for _, v := range profile {
			s += v * v
		}
		return s
	}

	best, bestScore := 0.0, score(0)
	steps := int(math.Round(maxDegrees / stepDegrees))
	for i := 1; i <= steps; i++ {
		for _, deg := range []float64{float64(i) * stepDegrees, -float64(i) * stepDegrees} {
			if s := score(deg); s > bestScore {
				best, bestScore = deg, s
			}
		}
	}
	return best
}
