package extraction

import "context"

// CorrectionRequest is what the correction service sees for one
// needs_review record.
type CorrectionRequest struct {
	DocumentID      string
	PageIndex       int
	RegionID        string
	Label           string
	Text            string
	SurroundingText string
}

// Correction is the service's answer: a possibly corrected value, its own
// confidence and free-form flags.
type Correction struct {
	Text       string
	Confidence float64
	Flags      []string
}

// Corrector is the AI-assisted correction service. It is only called for
// needs_review records and runs under its own timeout.
type Corrector interface {
	Correct(ctx context.Context, req CorrectionRequest) (*Correction, error)
}
