package region

import (
	"math"
	"sort"
)

// Dedupe removes overlapping candidates. Candidates are visited by
// descending confidence, ties broken by reading order (y0, x0); a candidate
// is dropped when its IoU with an already kept box exceeds iouThreshold.
// The survivors are returned in reading order, which makes Dedupe
// idempotent.
func Dedupe(candidates []Region, iouThreshold float64) []Region {
	if len(candidates) == 0 {
		return nil
	}
	ordered := make([]Region, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return readingLess(ordered[i].Box, ordered[j].Box)
	})

	kept := make([]Region, 0, len(ordered))
	for _, c := range ordered {
		overlaps := false
		for _, k := range kept {
			if c.Box.IoU(k.Box) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	SortReadingOrder(kept)
	return kept
}

// SortReadingOrder sorts regions top-to-bottom, left-to-right in place.
func SortReadingOrder(regions []Region) {
	sort.SliceStable(regions, func(i, j int) bool {
		return readingLess(regions[i].Box, regions[j].Box)
	})
}

// MergeOptions controls MergeLines.
type MergeOptions struct {
	// MaxCentroidDistance is the largest centroid distance, in normalized
	// units, at which two boxes are considered adjacent.
	MaxCentroidDistance float64
	// MinAspect is the smallest width/height ratio (in pixels) that still
	// reads as a text line.
	MinAspect float64
	// PageWidth and PageHeight give the pixel aspect of the page so the
	// aspect test is done in pixel space.
	PageWidth  int
	PageHeight int
}

// MergeLines joins adjacent fragments of one text line into their union so a
// single line is not split into several regions. Two boxes merge when their
// centroids are within MaxCentroidDistance, and the union is still
// line-like: aspect >= MinAspect and no taller than 1.5x the taller box.
// The merged region keeps the first region's ID and the higher confidence.
func MergeLines(regions []Region, opts MergeOptions) []Region {
	out := make([]Region, len(regions))
	copy(out, regions)
	SortReadingOrder(out)

	for merged := true; merged; {
		merged = false
		for i := 0; i < len(out) && !merged; i++ {
			for j := i + 1; j < len(out); j++ {
				if !mergeable(out[i].Box, out[j].Box, opts) {
					continue
				}
				out[i].Box = out[i].Box.Union(out[j].Box)
				out[i].Confidence = math.Max(out[i].Confidence, out[j].Confidence)
				out = append(out[:j], out[j+1:]...)
				merged = true
				break
			}
		}
	}
	SortReadingOrder(out)
	return out
}

func mergeable(a, b Box, opts MergeOptions) bool {
	ax, ay := a.Center()
	bx, by := b.Center()
	if math.Hypot(ax-bx, ay-by) > opts.MaxCentroidDistance {
		return false
	}
	u := a.Union(b)
	if u.Height() > 1.5*math.Max(a.Height(), b.Height()) {
		return false
	}
	pw, ph := float64(opts.PageWidth), float64(opts.PageHeight)
	if pw <= 0 || ph <= 0 {
		pw, ph = 1, 1
	}
	return (u.Width()*pw)/(u.Height()*ph) >= opts.MinAspect
}
