package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// feedEvent is one event delivered to websocket subscribers. Channel is
// the broker channel the payload arrived on.
type feedEvent struct {
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// handleEventsWS streams broker pub/sub traffic to the client. Query
// params: "patterns" is a comma-separated list of channel patterns
// (default "unity:memory:*,unity:system:broadcast").
func (a *AdminServer) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		http.Error(w, "broker not available", http.StatusServiceUnavailable)
		return
	}

	patterns := []string{"unity:memory:*", "unity:system:broadcast"}
	if s := r.URL.Query().Get("patterns"); s != "" {
		patterns = patterns[:0]
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}
	if len(patterns) == 0 {
		http.Error(w, "at least one pattern required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := a.broker.PSubscribe(r.Context(), patterns...)
	defer sub.Close()
	ch := sub.Channel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump (discard client messages)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	a.logger.Debug("Event feed attached", zap.Strings("patterns", patterns))
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev := feedEvent{
				Channel:   msg.Channel,
				Payload:   json.RawMessage(msg.Payload),
				Timestamp: time.Now().UTC(),
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
