// Package api exposes the HTTP interface for the scraper service.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/config"
	"github.com/JakeFAU/order-history-scraper/internal/control"
	"github.com/JakeFAU/order-history-scraper/internal/metrics"
)

const (
	maxBodyBytes    = 1 << 20
	shortCallLimit  = 30 * time.Second
	defaultReadyMsg = "ready"
)

// Handler executes control requests. control.Controller satisfies it.
type Handler interface {
	Handle(ctx context.Context, req control.Request) control.Response
}

// Server wires HTTP handlers to the controller.
type Server struct {
	router   chi.Router
	control  Handler
	progress *ProgressHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. progress may be
// nil, in which case the progress routes are not mounted.
func NewServer(ctrl Handler, progress *ProgressHandler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		control:  ctrl,
		progress: progress,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Scrapes run for as long as the site takes to answer.
		r.Post("/control", s.postControl)
		r.Post("/orders/years", s.scrapeYears)
		r.Post("/orders/range", s.scrapeRange)
		r.Post("/orders/months", s.scrapeMonths)
		r.Get("/periods", s.command(control.GetPeriods{}))
		r.Post("/transactions", s.command(control.ScrapeTransactions{}))

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(shortCallLimit))
			r.Get("/statistics", s.command(control.GetStatistics{}))
			r.Delete("/cache", s.command(control.ClearCache{}))
			r.Post("/session/abort", s.command(control.Abort{}))
			r.Post("/session/logout", s.command(control.ForceLogout{}))
			r.Post("/session/resume", s.resume)
			if s.progress != nil {
				r.Get("/progress", s.progress.Current)
				r.Get("/progress/purposes", s.progress.Purposes)
				r.Get("/progress/{purpose}", s.progress.Get)
			}
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": defaultReadyMsg})
}

// postControl accepts any request envelope understood by control.DecodeRequest.
func (s *Server) postControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	req, err := control.DecodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.run(w, r, req)
}

func (s *Server) scrapeYears(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Years []int `json:"years"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Years) == 0 {
		writeError(w, http.StatusBadRequest, "years required")
		return
	}
	s.run(w, r, control.ScrapeYears{Years: body.Years})
}

func (s *Server) scrapeRange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	start, err := time.Parse(time.DateOnly, body.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(time.DateOnly, body.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
		return
	}
	s.run(w, r, control.ScrapeRange{Start: start, End: end})
}

func (s *Server) scrapeMonths(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Months int `json:"months"`
	}
	if err := decodeBody(r, &body); err != nil || body.Months <= 0 {
		writeError(w, http.StatusBadRequest, "months required")
		return
	}
	s.run(w, r, control.ScrapeMonths{Months: body.Months})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	body = bytes.TrimSpace(body)
	envelope := []byte(`{"action":"resume"}`)
	if len(body) > 0 {
		envelope = append([]byte(`{"action":"resume","cookies":`), body...)
		envelope = append(envelope, '}')
	}
	req, err := control.DecodeRequest(envelope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.run(w, r, req)
}

func (s *Server) command(req control.Request) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.run(w, r, req)
	}
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req control.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	resp := s.control.Handle(r.Context(), req)
	writeJSON(w, statusFor(resp), control.Wrap(resp))
}

// statusFor maps a response to an HTTP status. A failure tied to a page is
// an upstream problem.
func statusFor(resp control.Response) int {
	failure, ok := resp.(control.Failure)
	switch {
	case !ok:
		return http.StatusOK
	case failure.URL != "":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
