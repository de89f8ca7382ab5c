package api

import (
	"context"
	"database/sql"
	"net/http"
)

// JobStats reports job counts by state.
type JobStats interface {
	GetStats(ctx context.Context) (map[string]int64, error)
}

// ConsumerStats describes the queue consumer.
type ConsumerStats interface {
	GetStatistics() map[string]interface{}
}

// PoolStats reports database connection pool usage.
type PoolStats interface {
	GetStats() sql.DBStats
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil && s.cfg.Consumer == nil && s.cfg.Pool == nil {
		jsonError(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}

	out := map[string]any{}
	if s.cfg.Jobs != nil {
		jobs, err := s.cfg.Jobs.GetStats(r.Context())
		if err != nil {
			s.log.Warn("job stats unavailable", "error", err)
			out["jobs_error"] = err.Error()
		} else {
			out["jobs"] = jobs
		}
	}
	if s.cfg.Consumer != nil {
		out["consumer"] = s.cfg.Consumer.GetStatistics()
	}
	if s.cfg.Pool != nil {
		db := s.cfg.Pool.GetStats()
		out["database"] = map[string]any{
			"open_connections": db.OpenConnections,
			"in_use":           db.InUse,
			"idle":             db.Idle,
			"wait_count":       db.WaitCount,
			"wait_duration_ms": db.WaitDuration.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
