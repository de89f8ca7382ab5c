package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the region OCR worker
 *
 * Every failure the extraction pipeline can report carries an ErrorCode so
 * callers can decide between fallback, retry, degrade and abort without
 * string matching.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Detection
	ErrorDetectionModelUnavailable ErrorCode = "DETECTION_MODEL_UNAVAILABLE"
	ErrorInsufficientCoverage      ErrorCode = "INSUFFICIENT_COVERAGE"
	ErrorDetectionFailed           ErrorCode = "DETECTION_FAILED"

	// Regions and recognition
	ErrorMalformedRegion ErrorCode = "MALFORMED_REGION"
	ErrorOCRFailed       ErrorCode = "OCR_FAILED"

	// External collaborators
	ErrorAIServiceFailed ErrorCode = "AI_SERVICE_FAILED"

	// Session level
	ErrorRasterizeFailed   ErrorCode = "RASTERIZE_FAILED"
	ErrorResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// CodeOf returns the code of the first ProcessingError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err's chain contains a ProcessingError with code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Factory functions for common errors

func NewDetectionModelUnavailableError(model string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDetectionModelUnavailable,
		Message:   fmt.Sprintf("Text detection model %q is not loaded", model),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"model": model,
		},
		Cause: cause,
	}
}

func NewInsufficientCoverageError(stage string, coverage, minimum float64) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInsufficientCoverage,
		Message:   fmt.Sprintf("Stage %s covered %.4f of the page, need %.4f", stage, coverage, minimum),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stage":        stage,
			"coverage":     coverage,
			"min_coverage": minimum,
		},
	}
}

func NewMalformedRegionError(regionID string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorMalformedRegion,
		Message:   fmt.Sprintf("Malformed region %q: %s", regionID, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region_id": regionID,
			"reason":    reason,
		},
	}
}

func NewOCRFailedError(regionID string, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed for region %q after %d attempts", regionID, attempts),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region_id": regionID,
			"attempts":  attempts,
		},
		Cause: cause,
	}
}

func NewAIServiceFailedError(regionID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorAIServiceFailed,
		Message:   fmt.Sprintf("Correction service failed for region %q", regionID),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region_id": regionID,
		},
		Cause: cause,
	}
}

func NewResourceExhaustedError(pageIndex int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorResourceExhausted,
		Message:   fmt.Sprintf("Resources exhausted while rasterizing page %d", pageIndex),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page_index": pageIndex,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
