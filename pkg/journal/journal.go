// Package journal records device lifecycle and command events.
//
// Recorders never block the caller on I/O failures: a sink that cannot
// persist or publish an event logs the problem and drops it.
package journal

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event
type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindLost       Kind = "lost"
	KindShell      Kind = "shell"
	KindTransfer   Kind = "transfer"
	KindInstall    Kind = "install"
	KindReboot     Kind = "reboot"
	KindScreenshot Kind = "screenshot"
	KindLogcat     Kind = "logcat"
	KindApp        Kind = "app"
	KindDiagnostic Kind = "diagnostic"
)

// Event is one journal entry. Details is a JSON object.
type Event struct {
	ID         string          `json:"id"`
	Serial     string          `json:"serial"`
	Kind       Kind            `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMs int64           `json:"durationMs"`
	Success    bool            `json:"success"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// NewEvent builds an event that started at started. A non-nil err marks the
// event failed and is stored under details.error.
func NewEvent(serial string, kind Kind, started time.Time, err error, details map[string]interface{}) Event {
	if err != nil {
		if details == nil {
			details = make(map[string]interface{}, 1)
		}
		details["error"] = err.Error()
	}
	var raw json.RawMessage
	if len(details) > 0 {
		if data, mErr := json.Marshal(details); mErr == nil {
			raw = data
		}
	}
	return Event{
		ID:         uuid.New().String(),
		Serial:     serial,
		Kind:       kind,
		Timestamp:  started,
		DurationMs: time.Since(started).Milliseconds(),
		Success:    err == nil,
		Details:    raw,
	}
}

// Recorder accepts events
type Recorder interface {
	Record(Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Record(Event) {}

// Multi fans an event out to several recorders in order
type Multi []Recorder

func (m Multi) Record(e Event) {
	for _, r := range m {
		if r != nil {
			r.Record(e)
		}
	}
}

// Stats summarises the journal for one device
type Stats struct {
	Serial        string         `json:"serial"`
	Total         int            `json:"total"`
	Failures      int            `json:"failures"`
	ByKind        map[string]int `json:"byKind"`
	BytesMoved    int64          `json:"bytesMoved"`
	LastError     string         `json:"lastError,omitempty"`
	AvgDurationMs float64        `json:"avgDurationMs"`
}
