package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/harun/ranyadesk/internal/tracing"
)

// clientSink delivers relay notifications to the client that sent the request
type clientSink struct {
	broadcaster *EventBroadcaster
	clientID    string
	requestID   string
	ctx         context.Context
}

func (s *clientSink) Emit(channel string, payload interface{}) error {
	return s.broadcaster.SendToClient(s.clientID, EventMessage{
		Event:     channel,
		Data:      payload,
		RequestID: s.requestID,
		TraceID:   tracing.GetTraceID(s.ctx),
		RunID:     tracing.GetRunID(s.ctx),
		SessionID: tracing.GetSessionID(s.ctx),
	})
}

// sseSink writes relay notifications as server-sent events
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Emit(channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", channel, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", channel, data); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// close stops further writes; the handler is about to return
func (s *sseSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
