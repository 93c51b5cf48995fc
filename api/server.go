// Package api is the HTTP ingress: feedback submission (JSON and SSE),
// browse endpoints over the store, breaker diagnostics, health, and
// metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/LJN-sisi/feedback-agent/breaker"
	"github.com/LJN-sisi/feedback-agent/event"
	"github.com/LJN-sisi/feedback-agent/store"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// maxContentLength is the feedback length cap; longer content is clamped,
// not rejected.
const maxContentLength = 280

// defaultListLimit applies when a browse endpoint gets no limit parameter.
const defaultListLimit = 50

// Pipeline launches one task run. *orchestrator.Orchestrator satisfies it
// through Runner.
type Pipeline interface {
	Run(ctx context.Context, fb store.Feedback, taskID string, stream *event.Stream)
}

// TaskMetrics observes pipeline lifecycle. Nil-safe no-op when unset.
type TaskMetrics interface {
	TaskStarted()
	TaskFinished(status string)
}

// Config parameterizes the server.
type Config struct {
	// StreamBufferSize bounds each task's event stream; 0 uses the event
	// package default.
	StreamBufferSize int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler mounts a scrape endpoint at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithTaskMetrics sets the pipeline lifecycle observer.
func WithTaskMetrics(m TaskMetrics) Option {
	return func(s *Server) { s.taskMetrics = m }
}

// Server is the HTTP ingress. Pipelines launched from requests run on the
// server's base context, not the request context, so a subscriber
// disconnect never cancels a task.
type Server struct {
	store    *store.Store
	breaker  *breaker.Breaker
	pipeline Pipeline
	cfg      Config
	logger   *slog.Logger

	metricsHandler http.Handler
	taskMetrics    TaskMetrics

	baseCtx   context.Context
	startedAt time.Time
	wg        sync.WaitGroup
}

// NewServer creates the ingress. baseCtx is the process lifetime; its
// cancellation aborts in-flight pipelines.
func NewServer(baseCtx context.Context, st *store.Store, b *breaker.Breaker, pipeline Pipeline, cfg Config, opts ...Option) *Server {
	s := &Server{
		store:     st,
		breaker:   b,
		pipeline:  pipeline,
		cfg:       cfg,
		logger:    slog.Default(),
		baseCtx:   baseCtx,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/agent/process", s.handleProcess)
	mux.HandleFunc("/agent/process/stream", s.handleProcessStream)
	mux.HandleFunc("/agent/task-logs", s.handleTaskLogs)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/circuit/status", s.handleCircuitStatus)
	mux.HandleFunc("/circuit/check", s.handleCircuitCheck)
	mux.HandleFunc("/circuit/token-usage", s.handleTokenUsage)
	mux.HandleFunc("/circuit/events", s.handleCircuitEvents)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	return mux
}

// Wait blocks until every launched pipeline has reached its terminal
// state. Used at shutdown after cancelling the base context.
func (s *Server) Wait() {
	s.wg.Wait()
}

// processRequest is the submission body.
type processRequest struct {
	Content  string `json:"content"`
	UserID   string `json:"userId,omitempty"`
	Language string `json:"language,omitempty"`
}

// validate trims, rejects empty content, clamps to the length cap, and
// infers a missing language tag from the script of the content.
func (r *processRequest) validate() error {
	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		return fmt.Errorf("content is required")
	}
	if runes := []rune(r.Content); len(runes) > maxContentLength {
		r.Content = string(runes[:maxContentLength])
	}
	if r.Language == "" {
		r.Language = inferLanguage(r.Content)
	}
	return nil
}

// inferLanguage guesses a coarse language tag from the content's script.
func inferLanguage(content string) string {
	for _, r := range content {
		switch {
		case unicode.Is(unicode.Hangul, r):
			return "ko"
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			return "ja"
		case unicode.Is(unicode.Han, r):
			return "zh"
		}
	}
	return "en"
}

// submit creates the feedback row and launches the pipeline on the
// server's base context. The returned stream is the caller's subscription.
func (s *Server) submit(req processRequest) (store.Feedback, string, *event.Stream, error) {
	fb := store.Feedback{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Content:   req.Content,
		Language:  req.Language,
		CreatedAt: time.Now(),
		Status:    store.FeedbackPending,
	}
	if err := s.store.CreateFeedback(fb); err != nil {
		return store.Feedback{}, "", nil, err
	}

	taskID := uuid.NewString()
	stream := event.NewStream(taskID, fb.ID, s.cfg.StreamBufferSize)

	if s.taskMetrics != nil {
		s.taskMetrics.TaskStarted()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pipeline.Run(s.baseCtx, fb, taskID, stream)
		if s.taskMetrics != nil {
			s.taskMetrics.TaskFinished(s.terminalStatus(taskID))
		}
	}()

	return fb, taskID, stream, nil
}

// terminalStatus reads the task's final status for metrics.
func (s *Server) terminalStatus(taskID string) string {
	task, ok := s.store.GetTask(taskID)
	if !ok {
		return "unknown"
	}
	return string(task.Status)
}

// handleProcess runs a feedback to its terminal state and responds once
// with the collected results.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req processRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fb, taskID, stream, err := s.submit(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Consume the stream to completion, keeping the payloads the response
	// shape surfaces.
	var analysis, plan any
	for e := range stream.Events() {
		switch e.Kind {
		case event.KindIntent:
			analysis = e.Data
		case event.KindSuggestion:
			plan = e.Data
		}
	}

	final, ok := s.store.GetFeedback(fb.ID)
	if !ok {
		final = fb
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"feedbackId":      fb.ID,
		"taskId":          taskID,
		"status":          final.Status,
		"result":          final.Result,
		"analysis":        analysis,
		"plan":            plan,
		"breakerSnapshot": s.breaker.Status(),
	})
}

// handleFeedback lists feedback rows.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := store.FeedbackFilter{
		Status:   store.FeedbackStatus(r.URL.Query().Get("status")),
		Language: r.URL.Query().Get("language"),
		Offset:   queryInt(r, "offset", 0),
		Limit:    queryInt(r, "limit", defaultListLimit),
	}
	list, total := s.store.ListFeedback(filter)
	writeJSON(w, http.StatusOK, map[string]any{"list": list, "total": total})
}

// handleTaskLogs lists task records with their stages.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := store.TaskFilter{
		TaskID:     r.URL.Query().Get("taskId"),
		FeedbackID: r.URL.Query().Get("feedbackId"),
		Status:     store.TaskStatus(r.URL.Query().Get("status")),
		Offset:     queryInt(r, "offset", 0),
		Limit:      queryInt(r, "limit", defaultListLimit),
	}
	list, total := s.store.ListTasks(filter)
	writeJSON(w, http.StatusOK, map[string]any{"list": list, "total": total})
}

// handleCircuitStatus returns the live breaker snapshot.
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker subsystem not loaded")
		return
	}
	writeJSON(w, http.StatusOK, s.breaker.Status())
}

// circuitCheckRequest is the diagnostic admission probe.
type circuitCheckRequest struct {
	Service         string `json:"service"`
	Action          string `json:"action"`
	EstimatedTokens int64  `json:"estimatedTokens,omitempty"`
	TaskID          string `json:"taskId,omitempty"`
}

// handleCircuitCheck runs a diagnostic admission decision. A circuit-open
// denial maps to 503; other denials return 200 with the decision body so
// callers can inspect the reason.
func (s *Server) handleCircuitCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker subsystem not loaded")
		return
	}

	var req circuitCheckRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Service == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "service and action are required")
		return
	}

	decision := s.breaker.Check(req.Service, req.Action, req.EstimatedTokens, req.TaskID)
	if decision.Allowed {
		// A diagnostic probe must not leak its reservation.
		s.breaker.Release(req.TaskID, 0)
	}

	status := http.StatusOK
	if !decision.Allowed && decision.Reason == store.BreakerCircuitOpen {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, decision)
}

// handleTokenUsage lists usage rows with aggregates.
func (s *Server) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := store.UsageFilter{
		TaskID:     r.URL.Query().Get("taskId"),
		FeedbackID: r.URL.Query().Get("feedbackId"),
		Offset:     queryInt(r, "offset", 0),
		Limit:      queryInt(r, "limit", defaultListLimit),
	}
	records, aggregates := s.store.ListTokenUsage(filter)
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "aggregates": aggregates})
}

// handleCircuitEvents lists breaker events.
func (s *Server) handleCircuitEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := store.EventFilter{
		Service:        r.URL.Query().Get("service"),
		UnresolvedOnly: r.URL.Query().Get("unresolvedOnly") == "true",
		Offset:         queryInt(r, "offset", 0),
		Limit:          queryInt(r, "limit", defaultListLimit),
	}
	list, total := s.store.ListBreakerEvents(filter)
	writeJSON(w, http.StatusOK, map[string]any{"list": list, "total": total})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// queryInt parses a query parameter as a non-negative int.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// writeJSON encodes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to recover.
		_ = err
	}
}

// writeError encodes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
