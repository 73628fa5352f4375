package session

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators for server → client messages.
const (
	TypeConnected = "connected"
	TypePartial   = "partial"
	TypeFinal     = "final"
	TypeError     = "error"
	TypePong      = "pong"
)

// Client-visible error codes carried by [ErrorEvent].
const (
	CodeASRUnavailable = "asr_unavailable"
	CodeASRDegraded    = "asr_degraded"
)

// ConnectedEvent is sent exactly once after a socket is accepted or resumed.
type ConnectedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PartialEvent carries a preview transcription that may still be revised.
type PartialEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsStable   bool    `json:"is_stable"`
}

// FinalEvent carries a committed transcription segment. Finals are never
// revised or re-emitted.
type FinalEvent struct {
	Type           string  `json:"type"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	AudioStartTime float64 `json:"audio_start_time"`
	AudioEndTime   float64 `json:"audio_end_time"`
	Duration       float64 `json:"duration"`
}

// ErrorEvent reports a recoverable per-session failure to the client.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongEvent answers a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// controlMessage is the envelope for inbound text frames.
type controlMessage struct {
	Type string `json:"type"`
}

// parseControl decodes a client text frame.
func parseControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("session: decode control message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("session: control message missing type")
	}
	return msg, nil
}
