/**
 * Tesseract OCR engine
 *
 * Offline word-level OCR over gosseract. Each call gets its own client,
 * so the engine is safe to share across region workers.
 */

package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	// Languages are Tesseract language codes, e.g. "eng".
	Languages []string
	// Variables are passed to SetVariable, e.g. tessedit_char_whitelist.
	Variables map[string]string
}

// TesseractEngine runs OCR with a local Tesseract installation
type TesseractEngine struct {
	cfg           TesseractConfig
	clientFactory func() *gosseract.Client
}

// NewTesseractEngine creates a new Tesseract engine
func NewTesseractEngine(cfg TesseractConfig) *TesseractEngine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	return &TesseractEngine{cfg: cfg, clientFactory: gosseract.NewClient}
}

// Name identifies the engine in logs
func (t *TesseractEngine) Name() string {
	return "tesseract-" + strings.Join(t.cfg.Languages, "+")
}

// Recognize runs OCR on a PNG treated as a single block of text and returns
// the recognized words with confidence scaled to [0,1].
func (t *TesseractEngine) Recognize(ctx context.Context, png []byte) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := t.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(t.cfg.Languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	for k, v := range t.cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return nil, fmt.Errorf("failed to set variable %s: %w", k, err)
		}
	}
	if err := client.SetImageFromBytes(png); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	tokens := make([]Token, 0, len(boxes))
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		tokens = append(tokens, Token{
			Text:       word,
			Confidence: b.Confidence / 100.0,
			Bounds:     b.Box,
		})
	}
	return tokens, nil
}
