/**
 * Detection Model Client - remote text-detection model
 *
 * The pretrained detector runs as a separate inference service. This client
 * sends a page image and receives a per-pixel text probability map.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/regionocr-worker/internal/detector"
	"github.com/adverant/nexus/regionocr-worker/internal/imaging"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
)

// DetectionModelClient implements detector.TextDetectionModel over HTTP
type DetectionModelClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

// DetectionRequest carries one page image
type DetectionRequest struct {
	Image  string `json:"image"`  // Base64 encoded PNG
	Format string `json:"format"` // always "base64"
	Model  string `json:"model,omitempty"`
}

// DetectionResponse wraps the score map
type DetectionResponse struct {
	Success bool          `json:"success"`
	Data    DetectionData `json:"data"`
	Message string        `json:"message"`
}

// DetectionData is a row-major score map, possibly downsampled
type DetectionData struct {
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Scores         []float32 `json:"scores"`
	ModelUsed      string    `json:"modelUsed"`
	ProcessingTime int64     `json:"processingTime"` // milliseconds
}

// ModelStatusResponse reports whether the model weights are loaded
type ModelStatusResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Model  string `json:"model"`
		Loaded bool   `json:"loaded"`
	} `json:"data"`
	Message string `json:"message"`
}

// NewDetectionModelClient creates a new detection model client
func NewDetectionModelClient(baseURL, model string) *DetectionModelClient {
	if model == "" {
		model = "db-resnet50"
	}
	return &DetectionModelClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("DetectionModelClient"),
	}
}

// Name identifies the model in logs
func (c *DetectionModelClient) Name() string { return c.model }

// Ready checks the service is up and has the model loaded
func (c *DetectionModelClient) Ready(ctx context.Context) error {
	if err := healthCheck(ctx, c.httpClient, c.baseURL); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/internal/text-detection/status?model=%s", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status check failed with status %d: %s", resp.StatusCode, string(body))
	}
	var status ModelStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to parse status: %w", err)
	}
	if !status.Success || !status.Data.Loaded {
		return fmt.Errorf("model %s is not loaded: %s", c.model, status.Message)
	}
	return nil
}

// Predict sends the page and returns its score map
func (c *DetectionModelClient) Predict(ctx context.Context, page *image.Gray) (*detector.ScoreMap, error) {
	png, err := imaging.EncodePNG(page)
	if err != nil {
		return nil, err
	}
	reqBody, err := json.Marshal(DetectionRequest{
		Image:  base64.StdEncoding.EncodeToString(png),
		Format: "base64",
		Model:  c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/internal/text-detection/predict", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "regionocr-worker")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to detection service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var out DetectionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("detection failed: %s", out.Message)
	}

	c.logger.Debug("Score map received",
		"modelUsed", out.Data.ModelUsed,
		"width", out.Data.Width,
		"height", out.Data.Height,
		"processingTime", out.Data.ProcessingTime)

	return &detector.ScoreMap{
		Width:  out.Data.Width,
		Height: out.Data.Height,
		Scores: out.Data.Scores,
	}, nil
}
