/**
 * PostgreSQL Client for the Region OCR Worker
 *
 * Handles persistence of manual regions, extraction records and job status.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/extraction"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	DocumentID       string
	Status           string
	RecordCount      int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// Job is the stored state of one extraction job
type Job struct {
	ID               string                 `json:"id"`
	DocumentID       string                 `json:"documentId"`
	Status           string                 `json:"status"`
	RecordCount      int                    `json:"recordCount"`
	ProcessingTimeMs int64                  `json:"processingTimeMs,omitempty"`
	ErrorCode        string                 `json:"errorCode,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// ErrNotFound is returned when a region or job does not exist
var ErrNotFound = stderrors.New("not found")

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS regionocr;

CREATE TABLE IF NOT EXISTS regionocr.regions (
	id          UUID PRIMARY KEY,
	document_id TEXT NOT NULL,
	page_index  INTEGER NOT NULL,
	x0 DOUBLE PRECISION NOT NULL,
	y0 DOUBLE PRECISION NOT NULL,
	x1 DOUBLE PRECISION NOT NULL,
	y1 DOUBLE PRECISION NOT NULL,
	label       TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	confidence  NUMERIC(5,4) NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS regions_document_idx ON regionocr.regions (document_id, page_index);

CREATE TABLE IF NOT EXISTS regionocr.extraction_records (
	document_id         TEXT NOT NULL,
	region_id           TEXT NOT NULL,
	page_index          INTEGER NOT NULL,
	label               TEXT NOT NULL DEFAULT '',
	source              TEXT NOT NULL,
	x0 DOUBLE PRECISION NOT NULL,
	y0 DOUBLE PRECISION NOT NULL,
	x1 DOUBLE PRECISION NOT NULL,
	y1 DOUBLE PRECISION NOT NULL,
	text                TEXT NOT NULL,
	ocr_confidence      NUMERIC(5,4) NOT NULL,
	detector_confidence NUMERIC(5,4) NOT NULL,
	combined_confidence NUMERIC(5,4) NOT NULL,
	status              TEXT NOT NULL,
	failure_reason      TEXT,
	corrected_text      TEXT,
	ai_confidence       NUMERIC(5,4),
	ai_flags            TEXT[],
	degraded_reason     TEXT,
	extracted_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, region_id, page_index)
);

CREATE TABLE IF NOT EXISTS regionocr.extraction_jobs (
	id                 UUID PRIMARY KEY,
	document_id        TEXT NOT NULL,
	status             TEXT NOT NULL,
	record_count       INTEGER NOT NULL DEFAULT 0,
	processing_time_ms BIGINT,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it always fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the regionocr schema and tables if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// prepareRegion validates r and fills defaults for a manual region
func prepareRegion(documentID string, r region.Region) (region.Region, error) {
	if documentID == "" {
		return r, fmt.Errorf("document ID is required")
	}
	if r.PageIndex < 0 {
		return r, errors.NewMalformedRegionError(r.ID, fmt.Sprintf("negative page index %d", r.PageIndex))
	}
	if err := region.ValidateRegion(r); err != nil {
		return r, err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	} else if _, err := uuid.Parse(r.ID); err != nil {
		return r, errors.NewMalformedRegionError(r.ID, "region id must be a UUID")
	}
	if r.Source == "" {
		r.Source = region.SourceManual
	}
	if r.Source == region.SourceManual && r.Confidence == 0 {
		r.Confidence = 1
	}
	r.Confidence = sanitizeConfidence(r.Confidence)
	return r, nil
}

// SaveRegion validates and stores a region for documentID, assigning an ID
// when it has none. Saving an existing ID replaces it.
func (p *PostgresClient) SaveRegion(ctx context.Context, documentID string, r region.Region) (region.Region, error) {
	r, err := prepareRegion(documentID, r)
	if err != nil {
		return r, err
	}

	query := `
		INSERT INTO regionocr.regions (
			id, document_id, page_index, x0, y0, x1, y1, label, source, confidence, created_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC(5,4), NOW())
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			page_index = EXCLUDED.page_index,
			x0 = EXCLUDED.x0, y0 = EXCLUDED.y0, x1 = EXCLUDED.x1, y1 = EXCLUDED.y1,
			label = EXCLUDED.label,
			source = EXCLUDED.source,
			confidence = EXCLUDED.confidence
	`
	_, err = p.db.ExecContext(ctx, query,
		r.ID, documentID, r.PageIndex,
		r.Box.X0, r.Box.Y0, r.Box.X1, r.Box.Y1,
		r.Label, string(r.Source), r.Confidence)
	if err != nil {
		return r, errors.NewStorageFailedError("", fmt.Errorf("failed to save region %s: %w", r.ID, err))
	}
	return r, nil
}

// ListRegions returns the regions of documentID in page and reading order
func (p *PostgresClient) ListRegions(ctx context.Context, documentID string) ([]region.Region, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document ID is required")
	}

	query := `
		SELECT id, page_index, x0, y0, x1, y1, label, source, confidence
		FROM regionocr.regions
		WHERE document_id = $1
		ORDER BY page_index, y0, x0, id
	`
	rows, err := p.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, errors.NewStorageFailedError("", fmt.Errorf("failed to list regions: %w", err))
	}
	defer rows.Close()

	regions := []region.Region{}
	for rows.Next() {
		var r region.Region
		var source string
		if err := rows.Scan(&r.ID, &r.PageIndex, &r.Box.X0, &r.Box.Y0, &r.Box.X1, &r.Box.Y1,
			&r.Label, &source, &r.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		r.Source = region.Source(source)
		regions = append(regions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate regions: %w", err)
	}
	return regions, nil
}

// DeleteRegion removes a region by ID
func (p *PostgresClient) DeleteRegion(ctx context.Context, regionID string) error {
	if _, err := uuid.Parse(regionID); err != nil {
		return fmt.Errorf("invalid region ID %q: %w", regionID, ErrNotFound)
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM regionocr.regions WHERE id = $1::uuid`, regionID)
	if err != nil {
		return errors.NewStorageFailedError("", fmt.Errorf("failed to delete region: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("region %s: %w", regionID, ErrNotFound)
	}
	return nil
}

// refreshedPages lists the pages whose detector records result supersedes:
// every page that produced records and every page that finished without a
// failure, including pages with no regions at all.
func refreshedPages(result *extraction.Result) []int64 {
	seen := make(map[int]bool)
	for _, rec := range result.Records {
		seen[rec.PageIndex] = true
	}
	for _, page := range result.Pages {
		if !page.Failed {
			seen[page.PageIndex] = true
		}
	}
	pages := make([]int64, 0, len(seen))
	for page := range seen {
		pages = append(pages, int64(page))
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// SaveResult stores every record of result in one transaction. Earlier
// detector records on the refreshed pages are removed first, so region IDs
// that a new run no longer produces do not linger; manual records are only
// replaced pair by pair.
func (p *PostgresClient) SaveResult(ctx context.Context, result *extraction.Result) error {
	if result == nil || result.DocumentID == "" {
		return fmt.Errorf("result with a document ID is required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageFailedError("", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if pages := refreshedPages(result); len(pages) > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM regionocr.extraction_records
			WHERE document_id = $1 AND page_index = ANY($2) AND source <> $3
		`, result.DocumentID, pq.Array(pages), string(region.SourceManual))
		if err != nil {
			return errors.NewStorageFailedError("", fmt.Errorf("failed to clear stale records: %w", err))
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO regionocr.extraction_records (
			document_id, region_id, page_index, label, source, x0, y0, x1, y1,
			text, ocr_confidence, detector_confidence, combined_confidence, status,
			failure_reason, corrected_text, ai_confidence, ai_flags, degraded_reason, extracted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11::NUMERIC(5,4), $12::NUMERIC(5,4), $13::NUMERIC(5,4), $14,
			NULLIF($15, ''), NULLIF($16, ''), NULLIF($17::NUMERIC(5,4), 0), $18, NULLIF($19, ''), $20
		)
		ON CONFLICT (document_id, region_id, page_index) DO UPDATE SET
			label = EXCLUDED.label,
			source = EXCLUDED.source,
			x0 = EXCLUDED.x0, y0 = EXCLUDED.y0, x1 = EXCLUDED.x1, y1 = EXCLUDED.y1,
			text = EXCLUDED.text,
			ocr_confidence = EXCLUDED.ocr_confidence,
			detector_confidence = EXCLUDED.detector_confidence,
			combined_confidence = EXCLUDED.combined_confidence,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			corrected_text = EXCLUDED.corrected_text,
			ai_confidence = EXCLUDED.ai_confidence,
			ai_flags = EXCLUDED.ai_flags,
			degraded_reason = EXCLUDED.degraded_reason,
			extracted_at = EXCLUDED.extracted_at
	`)
	if err != nil {
		return errors.NewStorageFailedError("", fmt.Errorf("failed to prepare record insert: %w", err))
	}
	defer stmt.Close()

	for _, rec := range result.Records {
		r := rec.Region
		_, err := stmt.ExecContext(ctx,
			result.DocumentID, r.ID, rec.PageIndex, r.Label, string(r.Source),
			r.Box.X0, r.Box.Y0, r.Box.X1, r.Box.Y1,
			rec.Text,
			sanitizeConfidence(rec.OCRConfidence),
			sanitizeConfidence(rec.DetectorConfidence),
			sanitizeConfidence(rec.CombinedConfidence),
			string(rec.Status),
			string(rec.FailureReason),
			rec.CorrectedText,
			sanitizeConfidence(rec.AIConfidence),
			pq.Array(rec.AIFlags),
			string(rec.DegradedReason),
			rec.ExtractedAt,
		)
		if err != nil {
			return errors.NewStorageFailedError("", fmt.Errorf("failed to store record (region=%s, page=%d): %w",
				r.ID, rec.PageIndex, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageFailedError("", fmt.Errorf("failed to commit records: %w", err))
	}
	return nil
}

// UpdateJobStatus creates the job on first update and updates it after
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO regionocr.extraction_jobs (
			id, document_id, status, record_count, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4, NULLIF($5, 0),
			NULLIF($6, ''), NULLIF($7, ''), COALESCE($8::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			record_count = GREATEST(EXCLUDED.record_count, regionocr.extraction_jobs.record_count),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, regionocr.extraction_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = regionocr.extraction_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(ctx, query,
		update.JobID,            // $1
		update.DocumentID,       // $2
		update.Status,           // $3
		update.RecordCount,      // $4
		update.ProcessingTimeMs, // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		metadataJSON,            // $8
	).Scan(&returnedID)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (p *PostgresClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("invalid job ID %q: %w", jobID, ErrNotFound)
	}

	query := `
		SELECT id, document_id, status, record_count, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		FROM regionocr.extraction_jobs
		WHERE id = $1::uuid
	`

	var (
		job                     Job
		processingTimeMs        sql.NullInt64
		errorCode, errorMessage sql.NullString
		metadataJSON            []byte
	)
	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.DocumentID, &job.Status, &job.RecordCount, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON, &job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.ProcessingTimeMs = processingTimeMs.Int64
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &job, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
