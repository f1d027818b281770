package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event is one security decision taken by the gateway.
//
// Metadata never carries raw credentials or invitation tokens; callers pass
// values through the security redactor before attaching them.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Policy    string            `json:"policy,omitempty"`
	Success   bool              `json:"success"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MarshalLogObject flattens the event into zap fields. Empty fields are
// omitted and metadata keys are prefixed with "meta.".
func (e Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if !e.Timestamp.IsZero() {
		enc.AddTime("ts", e.Timestamp)
	}
	enc.AddBool("success", e.Success)
	for _, f := range [...]struct{ key, val string }{
		{"user_id", e.UserID},
		{"ip", e.IP},
		{"policy", e.Policy},
		{"reason", e.Reason},
		{"error", e.Error},
	} {
		if f.val != "" {
			enc.AddString(f.key, f.val)
		}
	}
	for k, v := range e.Metadata {
		enc.AddString("meta."+k, v)
	}
	return nil
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a buffered channel; Emit waits for room or
// for ctx to end.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event { return s.events }

// JSONWriterSink writes one JSON object per line. Write errors are
// dropped; the dispatcher already counts what it could not deliver.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	if w == nil {
		return &JSONWriterSink{}
	}
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	_ = s.enc.Encode(event)
	s.mu.Unlock()
}

// ZapSink logs each event on the "audit" logger, with the event type as
// the message. Denials log at warn.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}
	level := zapcore.InfoLevel
	if !event.Success {
		level = zapcore.WarnLevel
	}
	if ce := s.logger.Check(level, event.EventType); ce != nil {
		ce.Write(zap.Inline(event))
	}
}
