package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/runstore"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// StreamEvents handles GET /api/v1/runs/{id}/events using Server-Sent
// Events. A Last-Event-ID header resumes the stream from that point.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	startTime := time.Now()

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", nil)
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to get run", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"streaming not supported", nil)
		return
	}
	flusher.Flush()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     runID,
		Type:      types.EventHello,
		Timestamp: time.Now().UTC(),
	})

	// Subscribe before replaying history so nothing falls in the gap.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("subscribe to events", "error", err, "run_id", runID)
		return
	}
	defer cleanup()

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID != "" {
		events, err := h.store.EventsSince(ctx, runID, lastEventID)
		if err != nil {
			h.logger.Error("replay events", "error", err, "run_id", runID)
		} else {
			for _, evt := range events {
				h.writeSSE(w, flusher, evt)
			}
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE connection closed",
				slog.String("run_id", runID),
				slog.String("request_id", requestID),
				slog.Duration("duration", time.Since(startTime)),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				return
			}
			h.writeSSE(w, flusher, evt)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}
