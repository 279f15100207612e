//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package server exposes the execution engine over HTTP: a server-sent
// events stream for execution output, plus thread introspection, history,
// cancel and delete endpoints. The server validates strictly and never
// starts an execution for a malformed request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/valuegraph/valuegraph/event"
	"github.com/valuegraph/valuegraph/graph"
	"github.com/valuegraph/valuegraph/log"
	"github.com/valuegraph/valuegraph/runner"
)

const headerProtocolVersion = "X-Protocol-Version"

// maxRequestBody bounds stream request bodies.
const maxRequestBody = 1 << 20

// Server is the HTTP boundary adapter over a runner.
type Server struct {
	runner          *runner.Runner
	protocolVersion string
	inputChannel    string
	cors            *cors.Cors
	tracer          trace.Tracer

	httpServer *http.Server
}

// Option configures a server.
type Option func(*Server)

// WithProtocolVersion overrides the accepted protocol version.
func WithProtocolVersion(v string) Option {
	return func(s *Server) { s.protocolVersion = v }
}

// WithInputChannel names the state channel the stream request's message is
// written to. Defaults to "input".
func WithInputChannel(channel string) Option {
	return func(s *Server) { s.inputChannel = channel }
}

// WithCORS installs a CORS policy for the given origins.
func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.cors = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", headerProtocolVersion, "Last-Event-ID"},
		})
	}
}

// New creates a server over the runner.
func New(r *runner.Runner, opts ...Option) *Server {
	s := &Server{
		runner:          r,
		protocolVersion: event.ProtocolVersion,
		inputChannel:    "input",
		tracer:          otel.Tracer("valuegraph.server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/stream", s.handleStream).Methods(http.MethodPost)
	router.HandleFunc("/threads/{thread_id}", s.handleThreadInfo).Methods(http.MethodGet)
	router.HandleFunc("/threads/{thread_id}", s.handleDeleteThread).Methods(http.MethodDelete)
	router.HandleFunc("/threads/{thread_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	router.HandleFunc("/threads/{thread_id}/history", s.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	var handler http.Handler = router
	if s.cors != nil {
		handler = s.cors.Handler(handler)
	}
	return handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// streamRequest is the POST /stream body. Exactly one of Message and
// ResumePayload must be present (resume may carry several payloads for
// parallel interrupts).
type streamRequest struct {
	ThreadID      string           `json:"thread_id"`
	Message       *json.RawMessage `json:"message,omitempty"`
	ResumePayload []resumePayload  `json:"resume_payload,omitempty"`
	CheckpointID  string           `json:"checkpoint_id,omitempty"`
}

type resumePayload struct {
	InterruptID string          `json:"interrupt_id"`
	Value       json.RawMessage `json:"value"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "stream")
	defer span.End()

	if v := r.Header.Get(headerProtocolVersion); v != "" && v != s.protocolVersion {
		writeError(w, http.StatusBadRequest, graph.ErrKindVersionMismatch,
			fmt.Sprintf("protocol version %q not supported, this build speaks %q", v, s.protocolVersion))
		return
	}

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	var req streamRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, graph.ErrKindValidation, "malformed request body: "+err.Error())
		return
	}
	if req.Message == nil && len(req.ResumePayload) == 0 && req.CheckpointID == "" {
		// No thread is created and no execution starts for a request that
		// carries neither a message nor a resume payload.
		writeError(w, http.StatusBadRequest, graph.ErrKindValidation,
			"request must carry a message, a resume_payload or a checkpoint_id")
		return
	}
	if req.Message != nil && len(req.ResumePayload) > 0 {
		writeError(w, http.StatusBadRequest, graph.ErrKindValidation,
			"message and resume_payload are mutually exclusive")
		return
	}

	threadID := req.ThreadID
	var err error
	switch {
	case req.Message == nil && len(req.ResumePayload) == 0:
		// A pinned checkpoint alone re-invokes from that checkpoint, starting
		// a new branch.
		if threadID == "" {
			writeError(w, http.StatusBadRequest, graph.ErrKindValidation,
				"thread_id is required to fork from a checkpoint")
			return
		}
		err = s.runner.StartFrom(ctx, threadID, req.CheckpointID)
	case req.Message != nil:
		var input any
		if jsonErr := json.Unmarshal(*req.Message, &input); jsonErr != nil {
			writeError(w, http.StatusBadRequest, graph.ErrKindValidation, "malformed message: "+jsonErr.Error())
			return
		}
		threadID, err = s.runner.Start(ctx, threadID, graph.State{s.inputChannel: input}, summarize(*req.Message))
	default:
		if threadID == "" {
			writeError(w, http.StatusBadRequest, graph.ErrKindValidation,
				"thread_id is required to resume")
			return
		}
		payloads := make([]graph.ResumePayload, 0, len(req.ResumePayload))
		for _, p := range req.ResumePayload {
			if p.InterruptID == "" {
				writeError(w, http.StatusUnprocessableEntity, graph.ErrKindValidation,
					"resume_payload entries require interrupt_id")
				return
			}
			var value any
			if jsonErr := json.Unmarshal(p.Value, &value); jsonErr != nil && len(p.Value) > 0 {
				writeError(w, http.StatusUnprocessableEntity, graph.ErrKindValidation,
					"malformed resume value: "+jsonErr.Error())
				return
			}
			payloads = append(payloads, graph.ResumePayload{InterruptID: p.InterruptID, Value: value})
		}
		err = s.runner.Resume(ctx, threadID, payloads)
	}
	if err != nil {
		writeClassified(w, err)
		return
	}

	sub, err := s.runner.Attach(ctx, threadID, -1)
	if err != nil {
		writeClassified(w, err)
		return
	}
	defer s.runner.Detach(context.WithoutCancel(ctx), threadID, sub)
	s.serveSSE(ctx, w, threadID, sub, true)
}

// serveSSE writes the subscription to the response as server-sent events.
// The id: field carries the seq id; subscriber-local error envelopes have
// seq 0 and omit the id line so a reattach never anchors on them.
func (s *Server) serveSSE(ctx context.Context, w http.ResponseWriter, threadID string, sub *runner.Subscription, untilEnd bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, graph.ErrKindNodeError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(headerProtocolVersion, s.protocolVersion)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case env, open := <-sub.Events():
			if !open {
				if errInfo := sub.Err(); errInfo != nil {
					writeSSEError(w, flusher, threadID, errInfo)
				}
				return
			}
			if err := writeSSE(w, flusher, env); err != nil {
				log.Debugf("subscriber of thread %s went away: %v", threadID, err)
				return
			}
			if untilEnd && env.Type == event.TypeLifecycleEnd {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if env.SeqID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", env.SeqID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeSSEError emits a subscriber-local error envelope. It carries seq 0:
// the error belongs to this subscriber, not to the thread's event sequence.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, threadID string, errInfo *event.ErrorInfo) {
	env := event.New(0, threadID, "", event.TypeError, "", errInfo)
	_ = writeSSE(w, flusher, env)
}

func (s *Server) handleThreadInfo(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]

	// With an Accept of text/event-stream this is a reattach: replay from
	// Last-Event-ID and follow the live stream.
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.handleReattach(w, r, threadID)
		return
	}

	info, err := s.runner.ThreadInfo(r.Context(), threadID)
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReattach(w http.ResponseWriter, r *http.Request, threadID string) {
	if v := r.Header.Get(headerProtocolVersion); v != "" && v != s.protocolVersion {
		writeError(w, http.StatusBadRequest, graph.ErrKindVersionMismatch,
			fmt.Sprintf("protocol version %q not supported, this build speaks %q", v, s.protocolVersion))
		return
	}
	lastEventID := int64(-1)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			writeError(w, http.StatusBadRequest, graph.ErrKindValidation, "malformed Last-Event-ID")
			return
		}
		lastEventID = id
	}
	sub, err := s.runner.Attach(r.Context(), threadID, lastEventID)
	if err != nil {
		writeClassified(w, err)
		return
	}
	defer s.runner.Detach(context.WithoutCancel(r.Context()), threadID, sub)
	s.serveSSE(r.Context(), w, threadID, sub, false)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	if err := s.runner.Cancel(r.Context(), threadID); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	if err := s.runner.DeleteThread(r.Context(), threadID); err != nil {
		writeClassified(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// historyEntry is the wire form of one checkpoint in the history listing.
type historyEntry struct {
	CheckpointID string            `json:"checkpoint_id"`
	Ts           time.Time         `json:"ts"`
	Source       string            `json:"source"`
	Step         int               `json:"step"`
	NextNodes    []string          `json:"next_nodes,omitempty"`
	Parents      map[string]string `json:"parents,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, graph.ErrKindValidation, "limit must be in [1, 200]")
			return
		}
		limit = n
	}
	before := r.URL.Query().Get("before")

	tuples, err := s.runner.History(r.Context(), threadID, limit, before)
	if err != nil {
		writeClassified(w, err)
		return
	}
	entries := make([]historyEntry, 0, len(tuples))
	for _, tuple := range tuples {
		entry := historyEntry{
			CheckpointID: tuple.Checkpoint.ID,
			Ts:           tuple.Checkpoint.Ts,
			NextNodes:    tuple.Checkpoint.NextNodes,
		}
		if tuple.Metadata != nil {
			entry.Source = tuple.Metadata.Source
			entry.Step = tuple.Metadata.Step
			entry.Parents = tuple.Metadata.Parents
		}
		entries = append(entries, entry)
	}
	next := ""
	if len(entries) == limit {
		next = entries[len(entries)-1].CheckpointID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoints": entries,
		"next_before": next,
	})
}

// errorBody is the JSON error response shape.
type errorBody struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorBody{Detail: detail, Kind: kind})
}

// writeClassified maps engine error kinds to HTTP statuses.
func writeClassified(w http.ResponseWriter, err error) {
	var classified *graph.Error
	kind := graph.ErrKindNodeError
	if errors.As(err, &classified) {
		kind = classified.Kind
	}
	status := http.StatusInternalServerError
	switch kind {
	case graph.ErrKindValidation, graph.ErrKindVersionMismatch:
		status = http.StatusBadRequest
	case graph.ErrKindNotFound:
		status = http.StatusNotFound
	case graph.ErrKindAlreadyRunning, graph.ErrKindConflict:
		status = http.StatusConflict
	case graph.ErrKindNotSuspended:
		status = http.StatusConflict
	}
	writeError(w, status, kind, err.Error())
}

// summarize produces the short input description carried in
// lifecycle.start. It never echoes large payloads.
func summarize(raw json.RawMessage) string {
	const maxSummary = 120
	text := string(raw)
	if len(text) > maxSummary {
		text = text[:maxSummary] + "..."
	}
	return text
}
