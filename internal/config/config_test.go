package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/regionocr")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.QueueName != "regionocr" || cfg.RenderDPI != 200 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.ProcessingTimeoutDuration() != 5*time.Minute {
		t.Errorf("expected 5m processing timeout, got %v", cfg.ProcessingTimeoutDuration())
	}
	if c := cfg.Confidence(); c.WeightDetector != 0.4 || c.WeightOCR != 0.6 {
		t.Errorf("unexpected confidence weights %+v", c)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/regionocr")
	t.Setenv("MIN_COVERAGE", "0.05")
	t.Setenv("ACCEPT_THRESHOLD", "0.9")
	t.Setenv("CORRECTION_TIMEOUT", "45s")
	t.Setenv("OCR_TIMEOUT", "2500")
	t.Setenv("TESSERACT_LANGUAGE", "eng+spa")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Detector().MinCoverage != 0.05 {
		t.Errorf("expected min coverage 0.05, got %v", cfg.Detector().MinCoverage)
	}
	if cfg.Confidence().AcceptThreshold != 0.9 {
		t.Errorf("expected accept threshold 0.9, got %v", cfg.Confidence().AcceptThreshold)
	}
	if cfg.SessionOptions().CorrectionTimeout != 45*time.Second {
		t.Errorf("expected 45s correction timeout, got %v", cfg.SessionOptions().CorrectionTimeout)
	}
	if cfg.OCR().EngineTimeout != 2500*time.Millisecond {
		t.Errorf("expected 2.5s OCR timeout, got %v", cfg.OCR().EngineTimeout)
	}
	if langs := cfg.Tesseract().Languages; len(langs) != 2 || langs[1] != "spa" {
		t.Errorf("unexpected languages %v", langs)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"DATABASE_URL", ""},
		{"WORKER_CONCURRENCY", "0"},
		{"RENDER_DPI", "20"},
		{"REVIEW_THRESHOLD", "0.95"},
		{"WEIGHT_OCR", "-1"},
		{"IOU_THRESHOLD", "2"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/regionocr")
			t.Setenv(tc.key, tc.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("expected %s=%q to be rejected", tc.key, tc.value)
			}
		})
	}
}

func TestLoadConfig_TemplateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estoppel.yaml")
	body := "fields:\n  - label: tenant_name\n    bbox: [0.1, 0.2, 0.6, 0.25]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/regionocr")
	t.Setenv("TEMPLATE_FILE", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if tpl := cfg.Detector().Template; len(tpl) != 1 || tpl[0].Label != "tenant_name" {
		t.Errorf("expected template from file, got %+v", tpl)
	}

	t.Setenv("TEMPLATE_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for missing template file")
	}
}
