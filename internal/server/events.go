// Package server exposes the engine over HTTP: the SSE event stream, a
// websocket mirror of it, and JSON endpoints for sessions, inbound
// messages, compaction, and health.
package server

import (
	"encoding/json"
	"time"

	"github.com/snowcoder/snow/pkg/models"
)

// envelope is the wire form of every event, on the SSE stream and the
// websocket mirror alike. One envelope per data: line.
type envelope struct {
	Type      models.EventType `json:"type"`
	Data      any              `json:"data,omitempty"`
	Timestamp int64            `json:"timestamp"`
	RequestID string           `json:"requestId,omitempty"`
}

// connectedPayload is the data of the connected event. The client keeps
// the id and sends it back when binding sessions.
type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

func marshalEvent(ev models.Event, at time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		Type:      ev.Type,
		Data:      ev.Data,
		Timestamp: at.UnixMilli(),
		RequestID: ev.RequestID,
	})
}
