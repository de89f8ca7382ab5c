package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/adverant/nexus/regionocr-worker/internal/errors"
)

func TestImageSource_Pages(t *testing.T) {
	a := image.NewGray(image.Rect(0, 0, 10, 10))
	b := image.NewGray(image.Rect(0, 0, 20, 10))
	src := NewImageSource(a, b)

	n, err := src.PageCount(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pages, got %d (%v)", n, err)
	}
	img, err := src.Rasterize(context.Background(), 1)
	if err != nil || img.Bounds().Dx() != 20 {
		t.Errorf("unexpected page 1: %v %v", img, err)
	}
	if _, err := src.Rasterize(context.Background(), 2); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestOpen_DecodesImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	img := image.NewGray(image.Rect(0, 0, 30, 40))
	img.SetGray(5, 5, color.Gray{Y: 0})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	src, err := Open(path, DefaultPDFOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	page, err := src.Rasterize(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Bounds().Dx() != 30 || page.Bounds().Dy() != 40 {
		t.Errorf("unexpected bounds %v", page.Bounds())
	}
}

func TestOpen_UnsupportedExtension(t *testing.T) {
	if _, err := Open("lease.docx", DefaultPDFOptions()); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestOutOfMemory(t *testing.T) {
	cases := []struct {
		err    error
		stderr string
		want   bool
	}{
		{fmt.Errorf("exit status 1"), "Syntax Error: Couldn't read xref table", false},
		{fmt.Errorf("exit status 1"), "Out of memory", true},
		{fmt.Errorf("exit status 99"), "std::bad_alloc", true},
	}
	for _, tc := range cases {
		if got := outOfMemory(tc.err, tc.stderr); got != tc.want {
			t.Errorf("outOfMemory(%q) = %v, want %v", tc.stderr, got, tc.want)
		}
	}
}

// writeMinimalPDF writes a one-page PDF whose 612x792 MediaBox is
// inherited from the page tree.
func writeMinimalPDF(t *testing.T) string {
	t.Helper()
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>",
		"<< /Type /Page /Parent 2 0 R /Resources << >> >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	path := filepath.Join(t.TempDir(), "lease.pdf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPDFSource_PageTree(t *testing.T) {
	src, err := OpenPDF(writeMinimalPDF(t), DefaultPDFOptions())
	if err != nil {
		t.Fatalf("OpenPDF: %v", err)
	}
	defer src.Close()

	n, err := src.PageCount(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 page, got %d (%v)", n, err)
	}
	w, h, err := src.PageSize(0)
	if err != nil || w != 612 || h != 792 {
		t.Errorf("expected inherited 612x792 MediaBox, got %vx%v (%v)", w, h, err)
	}
}

func TestPDFSource_PixelLimit(t *testing.T) {
	src, err := OpenPDF(writeMinimalPDF(t), PDFOptions{DPI: 300, MaxPixels: 1000})
	if err != nil {
		t.Fatalf("OpenPDF: %v", err)
	}
	defer src.Close()

	_, err = src.Rasterize(context.Background(), 0)
	if !errors.HasCode(err, errors.ErrorResourceExhausted) {
		t.Errorf("expected RESOURCE_EXHAUSTED for an oversized page, got %v", err)
	}
}

func TestPDFSource_Render(t *testing.T) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		t.Skip("pdftoppm not installed")
	}
	src, err := OpenPDF(writeMinimalPDF(t), PDFOptions{DPI: 72})
	if err != nil {
		t.Fatalf("OpenPDF: %v", err)
	}
	defer src.Close()

	img, err := src.Rasterize(context.Background(), 0)
	if err != nil {
		t.Skipf("pdftoppm could not render the minimal document: %v", err)
	}
	if img.Bounds().Dx() != 612 || img.Bounds().Dy() != 792 {
		t.Errorf("expected 612x792 raster at 72 DPI, got %v", img.Bounds())
	}
}
