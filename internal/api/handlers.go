package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adverant/nexus/regionocr-worker/internal/errors"
	"github.com/adverant/nexus/regionocr-worker/internal/queue"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
	"github.com/adverant/nexus/regionocr-worker/internal/storage"
)

// regionRequest defines a manual region either in normalized coordinates
// (bbox) or in pixels of a page of the given size (pixel_bbox).
type regionRequest struct {
	ID         string      `json:"id,omitempty"`
	PageIndex  int         `json:"page_index"`
	Label      string      `json:"label"`
	BBox       *region.Box `json:"bbox,omitempty"`
	PixelBBox  []float64   `json:"pixel_bbox,omitempty"`
	PageWidth  int         `json:"page_width,omitempty"`
	PageHeight int         `json:"page_height,omitempty"`
}

func (req regionRequest) toRegion() (region.Region, error) {
	r := region.Region{
		ID:        req.ID,
		PageIndex: req.PageIndex,
		Label:     req.Label,
		Source:    region.SourceManual,
	}
	switch {
	case req.BBox != nil && req.PixelBBox != nil:
		return r, errors.NewMalformedRegionError(req.ID, "set either bbox or pixel_bbox, not both")
	case req.BBox != nil:
		r.Box = *req.BBox
	case len(req.PixelBBox) == 4:
		box, err := region.Normalize(region.PixelBox{
			X0: req.PixelBBox[0], Y0: req.PixelBBox[1], X1: req.PixelBBox[2], Y1: req.PixelBBox[3],
		}, req.PageWidth, req.PageHeight)
		if err != nil {
			return r, err
		}
		r.Box = box
	default:
		return r, errors.NewMalformedRegionError(req.ID, "bbox or a 4-value pixel_bbox is required")
	}
	return r, nil
}

// handleSaveRegion stores a manual region for a document.
func (s *Server) handleSaveRegion(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	var req regionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	reg, err := req.toRegion()
	if err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.store.SaveRegion(r.Context(), docID, reg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// handleListRegions lists the manual regions of a document.
func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.store.ListRegions(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions})
}

// handleDeleteRegion removes one manual region.
func (s *Server) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRegion(r.Context(), chi.URLParam(r, "regionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extractRequest struct {
	FilePath        string `json:"file_path"`
	DPI             int    `json:"dpi,omitempty"`
	PageLimit       int    `json:"page_limit,omitempty"`
	UseSavedRegions bool   `json:"use_saved_regions,omitempty"`
}

// handleExtract queues an extraction job for a document.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	path, err := s.resolvePath(req.FilePath)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	dpi := req.DPI
	if dpi == 0 {
		dpi = s.cfg.DefaultDPI
	}

	payload := queue.ExtractPayload{
		JobID:           uuid.New().String(),
		DocumentID:      docID,
		FilePath:        path,
		DPI:             dpi,
		PageLimit:       req.PageLimit,
		UseSavedRegions: req.UseSavedRegions,
	}
	if err := payload.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID: payload.JobID, DocumentID: docID, Status: "queued",
		Metadata: map[string]interface{}{"filePath": path},
	}); err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		s.log.Error("enqueue failed", "document_id", docID, "error", err)
		jsonError(w, "failed to queue extraction", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+jobID)
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "queued"})
}

// handleGetJob returns the status of an extraction job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// resolvePath confines p to the document root when one is configured.
func (s *Server) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("file_path is required")
	}
	if s.cfg.DocumentRoot == "" {
		return p, nil
	}
	rel := filepath.Clean(p)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file_path must be relative to the document root")
	}
	full := filepath.Join(s.cfg.DocumentRoot, rel)
	return full, nil
}

// writeError maps errors to status codes: malformed regions are the
// caller's fault, missing rows are 404, everything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.HasCode(err, errors.ErrorMalformedRegion):
		var pe *errors.ProcessingError
		stderrors.As(err, &pe)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "code": pe.Code, "details": pe.Details})
	case stderrors.Is(err, storage.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
