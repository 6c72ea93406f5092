package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/overlay"
	"github.com/blackmichael/bluesky-timeline/internal/timeline"
	"github.com/blackmichael/bluesky-timeline/internal/window"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Timeline is the feed controller served over HTTP.
type Timeline interface {
	Rows(offset, limit int) []domain.Post
	RowCount() int
	LastForwardCursor() string
	EndOfFeed() bool
	Generation() string
	LoadNext(ctx context.Context) *timeline.Pending
	LoadNewer(ctx context.Context) *timeline.Pending
	FillGap(ctx context.Context, gapID int) *timeline.Pending
	CloseGap(gapID int) error
	GapPlaceholderAt(gapID int) (domain.Post, bool)
	GapStatus(gapID int) (window.GapStatus, int)
	TrimHead(n int) window.Trim
	TrimTail(n int) window.Trim
	Refresh()
	Subscribe(buffer int) (<-chan window.Change, func())
}

var _ Timeline = (*timeline.Feed)(nil)

// Server is the HTTP server that exposes the timeline.
type Server struct {
	feed       Timeline
	overlay    *overlay.Changes
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server for feed. Local post changes are
// recorded in changes.
func NewServer(port int, feed Timeline, changes *overlay.Changes, logger *slog.Logger) *Server {
	s := &Server{
		feed:    feed,
		overlay: changes,
		logger:  logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      withLogging(logger, s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/timeline", s.handleRows)
	mux.HandleFunc("POST /v1/timeline/next", s.handleNext)
	mux.HandleFunc("POST /v1/timeline/newer", s.handleNewer)
	mux.HandleFunc("POST /v1/timeline/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/timeline/trim", s.handleTrim)
	mux.HandleFunc("GET /v1/timeline/gaps/{id}", s.handleGetGap)
	mux.HandleFunc("POST /v1/timeline/gaps/{id}/fill", s.handleFillGap)
	mux.HandleFunc("DELETE /v1/timeline/gaps/{id}", s.handleCloseGap)
	mux.HandleFunc("PATCH /v1/posts/{cid}", s.handlePatchPost)
	mux.HandleFunc("GET /v1/timeline/changes", s.handleChanges)
	return mux
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rowsResponse struct {
	Rows       []domain.Post `json:"rows"`
	Offset     int           `json:"offset"`
	RowCount   int           `json:"rowCount"`
	Cursor     string        `json:"cursor,omitempty"`
	EndOfFeed  bool          `json:"endOfFeed"`
	Generation string        `json:"generation"`
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("limit must be between 1 and %d", maxLimit))
		return
	}

	rows := s.feed.Rows(offset, limit)
	if rows == nil {
		rows = []domain.Post{}
	}
	writeJSON(w, http.StatusOK, rowsResponse{
		Rows:       rows,
		Offset:     offset,
		RowCount:   s.feed.RowCount(),
		Cursor:     s.feed.LastForwardCursor(),
		EndOfFeed:  s.feed.EndOfFeed(),
		Generation: s.feed.Generation(),
	})
}

type resultResponse struct {
	Inserted int `json:"inserted"`
	GapID    int `json:"gapId,omitempty"`
	RowCount int `json:"rowCount"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, r, "load next", s.feed.LoadNext(r.Context()))
}

func (s *Server) handleNewer(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, r, "load newer", s.feed.LoadNewer(r.Context()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.feed.Refresh()
	s.writeResult(w, r, "refresh", s.feed.LoadNext(r.Context()))
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, op string, p *timeline.Pending) {
	res, err := p.Wait(r.Context())
	if err != nil {
		s.writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		Inserted: res.Inserted,
		GapID:    res.GapID,
		RowCount: res.RowCount,
	})
}

type trimResponse struct {
	Head     window.Trim `json:"head"`
	Tail     window.Trim `json:"tail"`
	RowCount int         `json:"rowCount"`
}

func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	head, err := intParam(r, "head", 0)
	if err != nil || head < 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "head must be a non-negative integer")
		return
	}
	tail, err := intParam(r, "tail", 0)
	if err != nil || tail < 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "tail must be a non-negative integer")
		return
	}

	var resp trimResponse
	if head > 0 {
		resp.Head = s.feed.TrimHead(head)
	}
	if tail > 0 {
		resp.Tail = s.feed.TrimTail(tail)
	}
	resp.RowCount = s.feed.RowCount()
	writeJSON(w, http.StatusOK, resp)
}

type gapResponse struct {
	ID          int          `json:"id"`
	Status      string       `json:"status"`
	Successor   int          `json:"successor,omitempty"`
	Placeholder *domain.Post `json:"placeholder,omitempty"`
}

func (s *Server) handleGetGap(w http.ResponseWriter, r *http.Request) {
	id, ok := gapID(w, r)
	if !ok {
		return
	}
	status, successor := s.feed.GapStatus(id)
	resp := gapResponse{ID: id, Status: status.String(), Successor: successor}
	if p, ok := s.feed.GapPlaceholderAt(id); ok {
		resp.Placeholder = &p
	} else if status == window.GapUnknown {
		writeError(w, http.StatusNotFound, "GapNotFound", fmt.Sprintf("gap %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFillGap(w http.ResponseWriter, r *http.Request) {
	id, ok := gapID(w, r)
	if !ok {
		return
	}
	s.writeResult(w, r, "fill gap", s.feed.FillGap(r.Context(), id))
}

func (s *Server) handleCloseGap(w http.ResponseWriter, r *http.Request) {
	id, ok := gapID(w, r)
	if !ok {
		return
	}
	if err := s.feed.CloseGap(id); err != nil {
		s.writeDomainError(w, "close gap", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchPost(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	var change overlay.Change
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&change); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid change: "+err.Error())
		return
	}
	s.overlay.Record(cid, change)
	merged, _ := s.overlay.Get(cid)
	s.logger.Debug("local change recorded", "cid", cid)
	writeJSON(w, http.StatusOK, merged)
}

func gapID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "gap id must be a positive integer")
		return 0, false
	}
	return id, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	var transport *domain.TransportError
	switch {
	case errors.Is(err, domain.ErrEndOfFeed):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrBusy):
		writeError(w, http.StatusConflict, "Busy", err.Error())
	case errors.Is(err, domain.ErrStaleGap):
		writeError(w, http.StatusNotFound, "GapNotFound", err.Error())
	case errors.Is(err, domain.ErrDiscarded):
		writeError(w, http.StatusConflict, "Discarded", err.Error())
	case errors.Is(err, domain.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Closed", err.Error())
	case errors.As(err, &transport):
		s.logger.Warn("upstream failure", "op", op, "error", err)
		writeError(w, http.StatusBadGateway, "UpstreamError", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Cancelled", err.Error())
	default:
		s.logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the change stream upgrade the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
