/**
 * Configuration for the Region OCR Worker
 *
 * Loads configuration from environment variables. Tuning values feed the
 * detector, OCR, confidence and session configs.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/detector"
	"github.com/adverant/nexus/regionocr-worker/internal/extraction"
	"github.com/adverant/nexus/regionocr-worker/internal/ocr"
	"github.com/adverant/nexus/regionocr-worker/internal/raster"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueName string

	// PostgreSQL configuration
	DatabaseURL string

	// HTTP API
	APIPort      int
	APIKey       string
	DocumentRoot string

	// Service URLs; empty disables the service
	DetectionModelURL    string
	DetectionModelName   string
	CorrectionServiceURL string
	CorrectionTimeout    time.Duration

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	PageWorkers       int
	RegionWorkers     int

	// Rendering
	RenderDPI    int
	PdftoppmPath string

	// OCR
	TesseractLanguage string
	OCRTimeout        time.Duration

	// Detection and scoring
	TemplateFile    string
	MinCoverage     float64
	IoUThreshold    float64
	WeightDetector  float64
	WeightOCR       float64
	AcceptThreshold float64
	ReviewThreshold float64

	LogLevel string

	template []detector.TemplateField
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	det := detector.DefaultConfig()
	conf := confidence.DefaultConfig()
	o := ocr.DefaultConfig()

	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:            getEnvOrDefault("QUEUE_NAME", "regionocr"),
		DatabaseURL:          getEnvOrDefault("DATABASE_URL", ""),
		APIPort:              getEnvAsIntOrDefault("API_PORT", 8097),
		APIKey:               getEnvOrDefault("API_KEY", ""),
		DocumentRoot:         getEnvOrDefault("DOCUMENT_ROOT", ""),
		DetectionModelURL:    getEnvOrDefault("DETECTION_MODEL_URL", ""),
		DetectionModelName:   getEnvOrDefault("DETECTION_MODEL_NAME", "db-resnet50"),
		CorrectionServiceURL: getEnvOrDefault("CORRECTION_SERVICE_URL", ""),
		CorrectionTimeout:    getEnvAsDurationOrDefault("CORRECTION_TIMEOUT", 15*time.Second),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ProcessingTimeout:    getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		PageWorkers:          getEnvAsIntOrDefault("PAGE_WORKERS", 0),
		RegionWorkers:        getEnvAsIntOrDefault("REGION_WORKERS", 2),
		RenderDPI:            getEnvAsIntOrDefault("RENDER_DPI", raster.DefaultPDFOptions().DPI),
		PdftoppmPath:         getEnvOrDefault("PDFTOPPM_PATH", "pdftoppm"),
		TesseractLanguage:    getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		OCRTimeout:           getEnvAsDurationOrDefault("OCR_TIMEOUT", o.EngineTimeout),
		TemplateFile:         getEnvOrDefault("TEMPLATE_FILE", ""),
		MinCoverage:          getEnvAsFloatOrDefault("MIN_COVERAGE", det.MinCoverage),
		IoUThreshold:         getEnvAsFloatOrDefault("IOU_THRESHOLD", det.IoUThreshold),
		WeightDetector:       getEnvAsFloatOrDefault("WEIGHT_DETECTOR", conf.WeightDetector),
		WeightOCR:            getEnvAsFloatOrDefault("WEIGHT_OCR", conf.WeightOCR),
		AcceptThreshold:      getEnvAsFloatOrDefault("ACCEPT_THRESHOLD", conf.AcceptThreshold),
		ReviewThreshold:      getEnvAsFloatOrDefault("REVIEW_THRESHOLD", conf.ReviewThreshold),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if cfg.TemplateFile != "" {
		fields, err := detector.LoadTemplate(cfg.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("TEMPLATE_FILE: %w", err)
		}
		cfg.template = fields
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be a valid port, got %d", c.APIPort)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.PageWorkers < 0 || c.RegionWorkers < 0 {
		return fmt.Errorf("PAGE_WORKERS and REGION_WORKERS must not be negative")
	}

	if c.RenderDPI < 72 || c.RenderDPI > 1200 {
		return fmt.Errorf("RENDER_DPI must be between 72 and 1200, got %d", c.RenderDPI)
	}

	if c.OCRTimeout <= 0 || c.CorrectionTimeout <= 0 {
		return fmt.Errorf("OCR_TIMEOUT and CORRECTION_TIMEOUT must be positive")
	}

	if err := c.Detector().Validate(); err != nil {
		return err
	}

	return c.Confidence().Validate()
}

// ProcessingTimeoutDuration returns PROCESSING_TIMEOUT as a duration
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// Detector returns the detector cascade configuration
func (c *Config) Detector() detector.Config {
	d := detector.DefaultConfig()
	d.MinCoverage = c.MinCoverage
	d.IoUThreshold = c.IoUThreshold
	if len(c.template) > 0 {
		d.Template = c.template
	}
	return d
}

// Confidence returns the aggregator configuration
func (c *Config) Confidence() confidence.Config {
	return confidence.Config{
		WeightDetector:  c.WeightDetector,
		WeightOCR:       c.WeightOCR,
		AcceptThreshold: c.AcceptThreshold,
		ReviewThreshold: c.ReviewThreshold,
	}
}

// OCR returns the extractor configuration
func (c *Config) OCR() ocr.Config {
	o := ocr.DefaultConfig()
	o.EngineTimeout = c.OCRTimeout
	return o
}

// Tesseract returns the engine configuration
func (c *Config) Tesseract() ocr.TesseractConfig {
	return ocr.TesseractConfig{Languages: strings.Split(c.TesseractLanguage, "+")}
}

// PDF returns the rendering options
func (c *Config) PDF() raster.PDFOptions {
	p := raster.DefaultPDFOptions()
	p.DPI = c.RenderDPI
	p.PdftoppmPath = c.PdftoppmPath
	return p
}

// SessionOptions returns the per-run session options
func (c *Config) SessionOptions() extraction.Options {
	return extraction.Options{
		PageWorkers:       c.PageWorkers,
		RegionWorkers:     c.RegionWorkers,
		CorrectionTimeout: c.CorrectionTimeout,
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("45s") or plain
// milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
