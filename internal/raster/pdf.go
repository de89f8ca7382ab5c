// Package raster turns documents into page images for the extraction
// session: PDFs are rendered page by page with poppler's pdftoppm, and image
// files or in-memory images are served as-is.
package raster

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	pdflib "github.com/ledongthuc/pdf"

	"github.com/adverant/nexus/regionocr-worker/internal/errors"
)

// Source is a document whose pages can be rendered.
type Source interface {
	PageCount(ctx context.Context) (int, error)
	Rasterize(ctx context.Context, index int) (image.Image, error)
	Close() error
}

// PDFOptions configures PDF rendering.
type PDFOptions struct {
	// DPI is the render resolution.
	DPI int
	// PdftoppmPath is the pdftoppm binary; empty means look it up in PATH.
	PdftoppmPath string
	// MaxPixels refuses to render pages whose raster would be larger.
	MaxPixels int64
}

// DefaultPDFOptions renders at 200 DPI with a 100-megapixel ceiling.
func DefaultPDFOptions() PDFOptions {
	return PDFOptions{DPI: 200, PdftoppmPath: "pdftoppm", MaxPixels: 100_000_000}
}

const pointsPerInch = 72.0

// PDFSource renders pages of one PDF file.
type PDFSource struct {
	path string
	opts PDFOptions

	mu     sync.Mutex
	file   *os.File
	reader *pdflib.Reader
}

// OpenPDF opens path for rendering. The page tree is read with
// ledongthuc/pdf; pixels come from pdftoppm.
func OpenPDF(path string, opts PDFOptions) (*PDFSource, error) {
	if opts.DPI <= 0 {
		opts.DPI = DefaultPDFOptions().DPI
	}
	if opts.PdftoppmPath == "" {
		opts.PdftoppmPath = "pdftoppm"
	}
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	return &PDFSource{path: path, opts: opts, file: f, reader: reader}, nil
}

// PageCount returns the number of pages in the PDF.
func (s *PDFSource) PageCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return 0, fmt.Errorf("pdf %s is closed", s.path)
	}
	return s.reader.NumPage(), nil
}

// PageSize returns the page's MediaBox size in points, falling back to US
// Letter when the box is missing.
func (s *PDFSource) PageSize(index int) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return 0, 0, fmt.Errorf("pdf %s is closed", s.path)
	}
	if index < 0 || index >= s.reader.NumPage() {
		return 0, 0, fmt.Errorf("page %d out of range", index)
	}
	v := s.reader.Page(index + 1).V
	for depth := 0; depth < 32 && !v.IsNull(); depth++ {
		box := v.Key("MediaBox")
		if box.Len() == 4 {
			w := box.Index(2).Float64() - box.Index(0).Float64()
			h := box.Index(3).Float64() - box.Index(1).Float64()
			if w > 0 && h > 0 {
				return w, h, nil
			}
		}
		v = v.Key("Parent")
	}
	return 612, 792, nil
}

// Rasterize renders one page to grayscale at the configured DPI.
func (s *PDFSource) Rasterize(ctx context.Context, index int) (image.Image, error) {
	w, h, err := s.PageSize(index)
	if err != nil {
		return nil, err
	}
	scale := float64(s.opts.DPI) / pointsPerInch
	pixels := int64(w*scale) * int64(h*scale)
	if s.opts.MaxPixels > 0 && pixels > s.opts.MaxPixels {
		return nil, errors.NewResourceExhaustedError(index,
			fmt.Errorf("page raster of %d pixels exceeds limit %d", pixels, s.opts.MaxPixels))
	}

	dir, err := os.MkdirTemp("", "regionocr-page-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	page := strconv.Itoa(index + 1)
	cmd := exec.CommandContext(ctx, s.opts.PdftoppmPath,
		"-f", page, "-l", page,
		"-r", strconv.Itoa(s.opts.DPI),
		"-gray", "-png", "-singlefile",
		s.path, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if outOfMemory(err, stderr.String()) {
			return nil, errors.NewResourceExhaustedError(index, fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(stderr.String())))
		}
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", index+1, err, strings.TrimSpace(stderr.String()))
	}

	f, err := os.Open(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read rendered page %d: %w", index+1, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode rendered page %d: %w", index+1, err)
	}
	return img, nil
}

// Close releases the PDF file.
func (s *PDFSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.reader = nil, nil
	return err
}

// outOfMemory recognizes pdftoppm failures caused by memory pressure: an
// allocation error on stderr or the process being killed.
func outOfMemory(err error, stderr string) bool {
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "out of memory") || strings.Contains(lower, "cannot allocate") ||
		strings.Contains(lower, "bad_alloc") {
		return true
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) && exitErr.ProcessState != nil {
		return strings.Contains(exitErr.ProcessState.String(), "killed")
	}
	return false
}
