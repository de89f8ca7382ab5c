package extraction

import (
	"context"
	"image"
)

// PageSource renders the pages of one document.
type PageSource interface {
	// PageCount returns the number of pages.
	PageCount(ctx context.Context) (int, error)
	// Rasterize renders page index (0-based). A RESOURCE_EXHAUSTED error
	// aborts the whole session; any other error fails only that page.
	Rasterize(ctx context.Context, index int) (image.Image, error)
}

// Document is the unit of one extraction run.
type Document struct {
	ID     string
	Source PageSource
}

// Page is one rasterized page. The pixel buffer is owned by the page worker
// and released once the page's regions are processed.
type Page struct {
	Index  int
	Width  int
	Height int
	Image  image.Image
}

func newPage(index int, img image.Image) *Page {
	b := img.Bounds()
	return &Page{Index: index, Width: b.Dx(), Height: b.Dy(), Image: img}
}

func (p *Page) release() { p.Image = nil }
