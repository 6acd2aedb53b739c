package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// keepaliveInterval is how often an SSE comment is sent so intermediaries
// don't drop an idle stream.
const keepaliveInterval = 25 * time.Second

// StreamEvents pushes broadcaster events to the client as Server-Sent
// Events. Delivery is at-least-once with no replay: a client that
// disconnects reconciles through GET /api/alerts.
func (h *APIHandler) StreamEvents(c echo.Context) error {
	w := c.Response()
	flusher, okFlush := w.Writer.(http.Flusher)
	if !okFlush {
		return fail(c, http.StatusInternalServerError, "streaming unsupported")
	}

	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := h.bus.Subscribe(64)
	defer cancel()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, okRecv := <-ch:
			if !okRecv {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logrus.Errorf("Failed to marshal broadcast event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
