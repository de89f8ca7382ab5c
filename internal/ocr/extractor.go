// Package ocr reads the text inside one region of a page raster: it crops,
// cleans up the crop for recognition and turns the engine's word tokens into
// a single value with a confidence.
package ocr

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/imaging"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// Token is one recognized word.
type Token struct {
	Text       string
	Confidence float64 // [0,1]
	Bounds     image.Rectangle
}

// Engine recognizes words in a PNG image of a single text block.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, png []byte) ([]Token, error)
}

// Config controls crop preprocessing and engine calls.
type Config struct {
	// MinTextHeightPx is the glyph height below which the crop is upscaled.
	MinTextHeightPx int
	// MaxUpscale bounds the upscale factor.
	MaxUpscale float64
	// AdaptiveWindow and AdaptiveC parameterize mean adaptive thresholding.
	AdaptiveWindow int
	AdaptiveC      float64
	// MaxSkewDegrees is the search range of the skew estimate.
	MaxSkewDegrees  float64
	SkewStepDegrees float64
	// SkewToleranceDegrees is the smallest skew that triggers a rotation.
	SkewToleranceDegrees float64
	// MinContrast is the grey-level spread below which a crop is blank.
	MinContrast uint8
	// EngineTimeout bounds each engine call.
	EngineTimeout time.Duration
}

// DefaultConfig returns the defaults used by the worker.
func DefaultConfig() Config {
	return Config{
		MinTextHeightPx:      20,
		MaxUpscale:           4,
		AdaptiveWindow:       31,
		AdaptiveC:            10,
		MaxSkewDegrees:       5,
		SkewStepDegrees:      0.5,
		SkewToleranceDegrees: 0.5,
		MinContrast:          32,
		EngineTimeout:        30 * time.Second,
	}
}

// Extraction is the OCR result for one region.
type Extraction struct {
	Text        string
	Confidence  float64
	Tokens      []Token
	Upscale     float64
	SkewDegrees float64
	Attempts    int
}

// Extractor runs region OCR. It is safe for concurrent use if the engine is.
type Extractor struct {
	engine Engine
	cfg    Config
	logger *logging.Logger
}

// NewExtractor creates an extractor around engine.
func NewExtractor(engine Engine, cfg Config, logger *logging.Logger) (*Extractor, error) {
	if engine == nil {
		return nil, fmt.Errorf("ocr engine is required")
	}
	if cfg.EngineTimeout <= 0 {
		return nil, fmt.Errorf("engine timeout must be positive, got %v", cfg.EngineTimeout)
	}
	if cfg.MaxUpscale < 1 {
		cfg.MaxUpscale = 1
	}
	if logger == nil {
		logger = logging.NewLogger("ocr")
	}
	return &Extractor{engine: engine, cfg: cfg, logger: logger}, nil
}

// Extract reads the text inside r on page. A crop without ink yields an
// empty value with confidence 0 and no error. Engine failures are retried
// once; a second failure returns an OCR_FAILED error.
func (e *Extractor) Extract(ctx context.Context, page image.Image, r region.Region) (*Extraction, error) {
	if err := region.ValidateRegion(r); err != nil {
		return nil, err
	}
	bounds := page.Bounds()
	rect := r.Box.Rect(bounds.Dx(), bounds.Dy()).Add(bounds.Min)
	crop, err := imaging.Crop(page, rect)
	if err != nil {
		return nil, errors.NewMalformedRegionError(r.ID, err.Error())
	}

	prepared, ext := e.prepare(imaging.ToGray(crop))
	if prepared == nil {
		return ext, nil
	}

	data, err := imaging.EncodePNG(prepared)
	if err != nil {
		return nil, errors.NewOCRFailedError(r.ID, 0, err)
	}

	var tokens []Token
	for attempt := 1; attempt <= 2; attempt++ {
		ext.Attempts = attempt
		tokens, err = e.recognize(ctx, data)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		e.logger.Warn("OCR attempt failed", "region_id", r.ID, "attempt", attempt, "engine", e.engine.Name(), "error", err)
	}
	if err != nil {
		return nil, errors.NewOCRFailedError(r.ID, ext.Attempts, err)
	}

	ext.Tokens = tokens
	ext.Text, ext.Confidence = compose(tokens)
	return ext, nil
}

// prepare upscales small text, binarizes and deskews the crop. It returns a
// nil image when the crop has no ink.
func (e *Extractor) prepare(gray *image.Gray) (*image.Gray, *Extraction) {
	ext := &Extraction{Upscale: 1}

	glyphs := imaging.Components(imaging.BinarizeOtsu(gray, e.cfg.MinContrast))
	h := imaging.MedianHeight(glyphs)
	if h == 0 {
		return nil, ext
	}
	if h < e.cfg.MinTextHeightPx {
		factor := math.Min(math.Ceil(float64(e.cfg.MinTextHeightPx)/float64(h)), e.cfg.MaxUpscale)
		gray = imaging.Upscale(gray, factor)
		ext.Upscale = factor
	}

	out := imaging.AdaptiveThreshold(gray, e.cfg.AdaptiveWindow, e.cfg.AdaptiveC).Gray()
	if e.cfg.MaxSkewDegrees > 0 {
		mask := imaging.Binarize(out, 127)
		skew := imaging.EstimateSkew(mask, e.cfg.MaxSkewDegrees, e.cfg.SkewStepDegrees)
		if math.Abs(skew) > e.cfg.SkewToleranceDegrees {
			out = imaging.Rotate(out, skew)
			ext.SkewDegrees = skew
		}
	}
	return out, ext
}

// recognize runs one engine call under EngineTimeout, turning a panic into
// an error.
func (e *Extractor) recognize(ctx context.Context, data []byte) ([]Token, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EngineTimeout)
	defer cancel()

	type result struct {
		tokens []Token
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("engine panic: %v", p)}
			}
		}()
		tokens, err := e.engine.Recognize(ctx, data)
		done <- result{tokens: tokens, err: err}
	}()

	select {
	case r := <-done:
		return r.tokens, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("engine call: %w", ctx.Err())
	}
}

// compose joins tokens into NFKC-normalized text and weights each token's
// confidence by its rune length.
func compose(tokens []Token) (string, float64) {
	parts := make([]string, 0, len(tokens))
	var weighted, total float64
	for _, t := range tokens {
		text := strings.TrimSpace(norm.NFKC.String(t.Text))
		if text == "" {
			continue
		}
		n := float64(utf8.RuneCountInString(text))
		conf := math.Max(0, math.Min(1, t.Confidence))
		weighted += n * conf
		total += n
		parts = append(parts, text)
	}
	if total == 0 {
		return "", 0
	}
	return strings.Join(parts, " "), weighted / total
}
