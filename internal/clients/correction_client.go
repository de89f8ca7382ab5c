/**
 * Correction Client - AI-assisted review of low-confidence values
 *
 * Sends needs_review values to the correction service, which proposes a
 * corrected value with its own confidence and flags. The service picks the
 * model; this client only knows the HTTP contract.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/regionocr-worker/internal/extraction"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
)

// CorrectionClient handles communication with the correction service
type CorrectionClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	backoff    func(attempt int) time.Duration
}

// CorrectionRequest is the wire request for one value
type CorrectionRequest struct {
	Text    string            `json:"text"`
	Context CorrectionContext `json:"context"`
}

// CorrectionContext tells the service what the value is supposed to be
type CorrectionContext struct {
	Label           string `json:"label"`
	SurroundingText string `json:"surroundingText,omitempty"`
	DocumentID      string `json:"documentId,omitempty"`
	PageIndex       int    `json:"pageIndex"`
	RegionID        string `json:"regionId,omitempty"`
}

// CorrectionResponse is the service's envelope
type CorrectionResponse struct {
	Success bool           `json:"success"`
	Data    CorrectionData `json:"data"`
	Message string         `json:"message"`
}

// CorrectionData carries the proposed value
type CorrectionData struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Flags      []string `json:"flags"`
	ModelUsed  string   `json:"modelUsed"`
}

// NewCorrectionClient creates a new correction client. Per-call deadlines
// come from the caller's context; timeout is an upper bound.
func NewCorrectionClient(baseURL string, timeout time.Duration) *CorrectionClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CorrectionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:  logging.NewLogger("CorrectionClient"),
		backoff: Backoff,
	}
}

// Correct asks the service to review one value. Transport errors, 429 and
// 5xx responses are retried with backoff up to maxAttempts calls.
func (c *CorrectionClient) Correct(ctx context.Context, req extraction.CorrectionRequest) (*extraction.Correction, error) {
	var lastErr error
	for attempt := range maxAttempts {
		out, err := c.correctOnce(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == maxAttempts-1 {
			break
		}
		c.logger.Warn("Retryable correction error", "regionId", req.RegionID, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(c.backoff(attempt)):
		case <-ctx.Done():
			return nil, fmt.Errorf("correction cancelled after %d attempts: %w", attempt+1, ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *CorrectionClient) correctOnce(ctx context.Context, req extraction.CorrectionRequest) (*extraction.Correction, error) {
	endpoint := fmt.Sprintf("%s/api/internal/correction/correct", c.baseURL)

	reqBody, err := json.Marshal(CorrectionRequest{
		Text: req.Text,
		Context: CorrectionContext{
			Label:           req.Label,
			SurroundingText: req.SurroundingText,
			DocumentID:      req.DocumentID,
			PageIndex:       req.PageIndex,
			RegionID:        req.RegionID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "regionocr-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("correct-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request to correction service failed: %w", err)
		}
		return nil, &RetryableError{Message: fmt.Sprintf("request to correction service failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if retryableStatus(resp.StatusCode) {
		return nil, &RetryableError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("correction service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var out CorrectionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("correction failed: %s", out.Message)
	}

	c.logger.Debug("Correction complete",
		"regionId", req.RegionID,
		"modelUsed", out.Data.ModelUsed,
		"confidence", out.Data.Confidence,
		"changed", out.Data.Text != req.Text)

	return &extraction.Correction{
		Text:       out.Data.Text,
		Confidence: out.Data.Confidence,
		Flags:      out.Data.Flags,
	}, nil
}

// HealthCheck verifies the correction service is available
func (c *CorrectionClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, c.baseURL)
}

func healthCheck(ctx context.Context, client *http.Client, baseURL string) error {
	endpoint := fmt.Sprintf("%s/api/health", baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
