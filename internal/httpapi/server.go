// Package httpapi is the chi-routed admin surface for a running engine:
// health, stats, and an on-demand compaction trigger. It never exposes
// get/put/delete — those live on the line-oriented internal/server front
// end (spec section 6); this surface is for operators, not clients.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crabkv/pkg/engine"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// engineAPI is the subset of *engine.Engine the admin surface needs,
// narrowed so tests can substitute a fake.
type engineAPI interface {
	Stats() engine.Stats
	Compact() (engine.CompactionStats, error)
}

// Server is the admin HTTP front end for one engine.
type Server struct {
	eng        engineAPI
	httpServer *http.Server
	addr       string
}

// NewServer returns a Server bound to addr (e.g. ":8090") serving eng.
func NewServer(eng engineAPI, addr string) *Server {
	return &Server{eng: eng, addr: addr}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/compact", s.handleCompact)
	return r
}

// Start launches the HTTP listener in the background; ListenAndServe
// errors other than a clean shutdown are logged, matching the teacher's
// fire-and-forget goroutine pattern.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin http server error", "error", err)
		}
	}()
	slog.Info("admin http server started", "addr", s.addr)
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin http server: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode admin response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newOKResponse())
}

type statsResponse struct {
	Response
	Keys                     int    `json:"keys"`
	WALSizeBytes             int64  `json:"wal_size_bytes"`
	LiveBytes                int64  `json:"live_bytes"`
	StaleBytes               int64  `json:"stale_bytes"`
	FsyncCount               uint64 `json:"fsync_count"`
	ReadCacheLen             int    `json:"read_cache_len"`
	WriteBackBufferLen       int    `json:"write_back_buffer_len"`
	CompactionsRun           uint64 `json:"compactions_run"`
	LastCompactionDurationMs int64  `json:"last_compaction_duration_ms"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.eng.Stats()
	s.writeJSON(w, http.StatusOK, statsResponse{
		Response:                 newSuccessResponse(),
		Keys:                     st.Keys,
		WALSizeBytes:             st.WALSizeBytes,
		LiveBytes:                st.LiveBytes,
		StaleBytes:               st.StaleBytes,
		FsyncCount:               st.FsyncCount,
		ReadCacheLen:             st.ReadCacheLen,
		WriteBackBufferLen:       st.WriteBackBufferLen,
		CompactionsRun:           st.CompactionsRun,
		LastCompactionDurationMs: st.LastCompactionDuration.Milliseconds(),
	})
}

type compactResponse struct {
	Response
	BytesReclaimed int64 `json:"bytes_reclaimed"`
	RecordsCarried int   `json:"records_carried"`
	RecordsExpired int   `json:"records_expired"`
	DurationMs     int64 `json:"duration_ms"`
	Restarted      bool  `json:"restarted"`
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Compact()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, newErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, compactResponse{
		Response:       newSuccessResponse(),
		BytesReclaimed: stats.BytesReclaimed,
		RecordsCarried: stats.RecordsCarried,
		RecordsExpired: stats.RecordsExpired,
		DurationMs:     stats.Duration.Milliseconds(),
		Restarted:      stats.Restarted,
	})
}
