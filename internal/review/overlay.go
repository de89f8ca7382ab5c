// Package review renders a proof PDF for human reviewers: every processed
// page image with its extraction regions outlined and colored by decision.
package review

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"codeberg.org/go-pdf/fpdf"
	"golang.org/x/text/encoding/charmap"

	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/extraction"
	"github.com/adverant/nexus/regionocr-worker/internal/imaging"
	"github.com/adverant/nexus/regionocr-worker/internal/raster"
)

type rgb struct{ r, g, b int }

var statusColors = map[confidence.Status]rgb{
	confidence.StatusAccepted:    {0, 153, 0},
	confidence.StatusNeedsReview: {230, 138, 0},
	confidence.StatusRejected:    {204, 0, 0},
}

// Options controls the overlay appearance.
type Options struct {
	// FontSize of region labels in points.
	FontSize float64
	// LineWidth of region outlines in points.
	LineWidth float64
	// ShowText prints the extracted value next to the label.
	ShowText bool
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{FontSize: 8, LineWidth: 1.5, ShowText: true}
}

// Write renders one PDF page per page summary in result. Pages are
// re-rasterized from src so that the overlay matches what OCR saw; failed
// pages are skipped. Page dimensions are taken in pixels, one point each.
func Write(ctx context.Context, w io.Writer, src raster.Source, result *extraction.Result, opts Options) error {
	if opts.FontSize <= 0 {
		opts.FontSize = DefaultOptions().FontSize
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = DefaultOptions().LineWidth
	}
	result.Sort()

	byPage := make(map[int][]extraction.Record)
	for _, rec := range result.Records {
		byPage[rec.PageIndex] = append(byPage[rec.PageIndex], rec)
	}

	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetFont("Helvetica", "", opts.FontSize)
	pages := 0
	for _, summary := range result.Pages {
		if summary.Failed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := src.Rasterize(ctx, summary.PageIndex)
		if err != nil {
			return fmt.Errorf("rasterize page %d: %w", summary.PageIndex, err)
		}
		data, err := imaging.EncodePNG(img)
		if err != nil {
			return err
		}
		b := img.Bounds()
		width, height := float64(b.Dx()), float64(b.Dy())

		pdf.AddPageFormat("P", fpdf.SizeType{Wd: width, Ht: height})
		name := fmt.Sprintf("page%d", summary.PageIndex)
		imgOpts := fpdf.ImageOptions{ReadDpi: false, ImageType: "PNG"}
		pdf.RegisterImageOptionsReader(name, imgOpts, bytes.NewReader(data))
		pdf.ImageOptions(name, 0, 0, width, height, false, imgOpts, 0, "")

		for _, rec := range byPage[summary.PageIndex] {
			drawRecord(pdf, rec, b.Dx(), b.Dy(), opts)
		}
		pages++
	}
	if pages == 0 {
		return fmt.Errorf("document %s has no rendered pages to review", result.DocumentID)
	}
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("failed to build review PDF: %w", err)
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to generate PDF: %w", err)
	}
	return nil
}

func drawRecord(pdf *fpdf.Fpdf, rec extraction.Record, width, height int, opts Options) {
	c, ok := statusColors[rec.Status]
	if !ok {
		c = statusColors[confidence.StatusRejected]
	}
	r := rec.Region.Box.Rect(width, height)
	if r.Empty() {
		return
	}
	pdf.SetDrawColor(c.r, c.g, c.b)
	pdf.SetLineWidth(opts.LineWidth)
	pdf.Rect(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()), "D")

	pdf.SetTextColor(c.r, c.g, c.b)
	pdf.Text(float64(r.Min.X), float64(r.Min.Y)-2, latin1(caption(rec, opts.ShowText)))
}

// caption is "label 0.87" or, with text, "label 0.87: value".
func caption(rec extraction.Record, withText bool) string {
	label := rec.Region.Label
	if label == "" {
		label = rec.Region.ID
	}
	s := fmt.Sprintf("%s %.2f", label, rec.CombinedConfidence)
	if !withText {
		return s
	}
	text := rec.Text
	if rec.CorrectedText != "" {
		text = rec.CorrectedText
	}
	if text == "" {
		return s
	}
	if runes := []rune(text); len(runes) > 40 {
		text = string(runes[:40]) + "..."
	}
	return s + ": " + text
}

// latin1 converts to the core fonts' encoding, replacing what it cannot map.
func latin1(s string) string {
	out, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err == nil {
		return out
	}
	buf := make([]rune, 0, len(s))
	for _, r := range s {
		if _, ok := charmap.ISO8859_1.EncodeRune(r); ok {
			buf = append(buf, r)
		} else {
			buf = append(buf, '?')
		}
	}
	out, _ = charmap.ISO8859_1.NewEncoder().String(string(buf))
	return out
}
