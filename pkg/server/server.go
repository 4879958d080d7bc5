// Package server exposes the verification orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/history"
	"github.com/glimps-re/vt-connector/pkg/scanner"
	"github.com/go-chi/chi/v5"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// multipartOverhead is allowed on top of MaxFileSize for the form envelope.
const multipartOverhead = 1 << 20

type Scanner interface {
	Scan(ctx context.Context, req datamodel.ScanRequest) (scanner.Result, error)
	Resume(ctx context.Context, handle datamodel.AnalysisHandle) (scanner.Result, error)
}

type Config struct {
	MaxFileSize int64
	// History is optional, history routes answer 404 without it.
	History history.Store
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

type Server struct {
	scanner Scanner
	config  Config
	router  chi.Router
}

func NewServer(s Scanner, config Config) *Server {
	srv := &Server{
		scanner: s,
		config:  config,
		router:  chi.NewRouter(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	r := s.router
	r.Use(logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.config.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans/url", s.handleScanURL)
		r.Post("/scans/file", s.handleScanFile)
		r.Get("/analyses/{id}", s.handleResume)

		if s.config.History != nil {
			r.Get("/history", s.handleListHistory)
			r.Get("/history/stats", s.handleHistoryStats)
			r.Get("/history/{id}", s.handleGetHistory)
			r.Delete("/history/{id}", s.handleDeleteHistory)
		}
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in a server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		Logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			Logger.Warn("cannot write response", slog.String("error", err.Error()))
		}
	}
}

type errorBody struct {
	Error      string `json:"error"`
	AnalysisID string `json:"analysisId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeScanError maps a scan failure to a response. Nothing is written for a
// cancelled scan, the client is gone.
func writeScanError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, (&scanner.ScanError{Kind: scanner.ErrPayloadTooLarge, Err: &datamodel.PayloadTooLargeError{Max: maxBytesErr.Limit - multipartOverhead}}).UserMessage())
		return
	}
	var scanErr *scanner.ScanError
	if !errors.As(err, &scanErr) {
		Logger.Error("unexpected scan error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "verification failed, try again")
		return
	}
	status := http.StatusBadGateway
	switch scanErr.Kind {
	case scanner.ErrCancelled:
		return
	case scanner.ErrInvalidInput, scanner.ErrContentUnreadable:
		status = http.StatusBadRequest
	case scanner.ErrPayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case scanner.ErrTimeoutExceeded:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorBody{Error: scanErr.UserMessage(), AnalysisID: scanErr.AnalysisID})
}

func (s *Server) handleScanURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.scanner.Scan(r.Context(), datamodel.ScanRequest{Kind: datamodel.KindURL, URL: body.URL})
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleScanFile(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxFileSize+multipartOverhead)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, "file field is missing")
				return
			}
			writeScanError(w, err)
			return
		}
		if part.FormName() != "file" {
			continue
		}
		result, err := s.scanner.Scan(r.Context(), datamodel.ScanRequest{
			Kind:     datamodel.KindFile,
			Content:  part,
			Filename: part.FileName(),
		})
		if err != nil {
			writeScanError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	kind := datamodel.ScanKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", datamodel.KindURL, datamodel.KindFile:
	default:
		writeError(w, http.StatusBadRequest, "kind must be url or file")
		return
	}
	result, err := s.scanner.Resume(r.Context(), datamodel.AnalysisHandle{ID: chi.URLParam(r, "id"), Kind: kind})
	if err != nil {
		writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type historyEntry struct {
	history.Entry
	Verdict datamodel.Verdict `json:"verdict"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	entries, err := s.config.History.List(r.Context(), limit, offset)
	if err != nil {
		Logger.Error("cannot list history", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot read history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.config.History.Stats(r.Context())
	if err != nil {
		Logger.Error("cannot compute history stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot read history")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.config.History.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, history.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "verification not found")
	case err != nil:
		Logger.Error("cannot read history entry", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot read history")
	default:
		writeJSON(w, http.StatusOK, historyEntry{Entry: *entry, Verdict: entry.Verdict()})
	}
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	err := s.config.History.Delete(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, history.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "verification not found")
	case err != nil:
		Logger.Error("cannot delete history entry", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot delete history entry")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
