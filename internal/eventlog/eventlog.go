// Package eventlog provides the append-only JSON event sink used for
// observability. Nothing in the media plane depends on its output.
package eventlog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Fields is one event's payload.
type Fields map[string]any

// Sink receives room and stream events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Log(event string, fields Fields)
}

// Nop discards all events. It is the default when no sink is configured.
type Nop struct{}

func (Nop) Log(string, Fields) {}

// FileSink appends one JSON object per line to a file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (or creates) the file at path in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Log(event string, fields Fields) {
	rec := make(Fields, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["event"] = event
	rec["ts"] = time.Now().UnixMilli()
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.f.Write(b)
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Capture records events in memory, for tests.
type Capture struct {
	mu     sync.Mutex
	events []CapturedEvent
}

// CapturedEvent is one recorded event.
type CapturedEvent struct {
	Event  string
	Fields Fields
}

func (c *Capture) Log(event string, fields Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, CapturedEvent{Event: event, Fields: fields})
}

// Events returns a copy of everything logged so far.
func (c *Capture) Events() []CapturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CapturedEvent, len(c.events))
	copy(out, c.events)
	return out
}
