package raster

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/tiff"
)

// ImageSource serves pages that are already images, one image per page.
type ImageSource struct {
	pages []image.Image
}

// NewImageSource wraps in-memory page images.
func NewImageSource(pages ...image.Image) *ImageSource {
	return &ImageSource{pages: pages}
}

// OpenImages decodes PNG, JPEG or TIFF files, one page per file.
func OpenImages(paths ...string) (*ImageSource, error) {
	pages := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open image %s: %w", p, err)
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode image %s: %w", p, err)
		}
		pages = append(pages, img)
	}
	return &ImageSource{pages: pages}, nil
}

func (s *ImageSource) PageCount(context.Context) (int, error) { return len(s.pages), nil }

func (s *ImageSource) Rasterize(_ context.Context, index int) (image.Image, error) {
	if index < 0 || index >= len(s.pages) {
		return nil, fmt.Errorf("page %d out of range (%d pages)", index, len(s.pages))
	}
	return s.pages[index], nil
}

func (s *ImageSource) Close() error { return nil }

// Open picks a source by file extension: PDFs are rendered with opts, image
// files are decoded directly.
func Open(path string, opts PDFOptions) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		src, err := OpenPDF(path, opts)
		if err != nil {
			return nil, err
		}
		return src, nil
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		src, err := OpenImages(path)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported document type %q", filepath.Ext(path))
	}
}
