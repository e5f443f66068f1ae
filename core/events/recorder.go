package events

import (
	"sync"

	"dvpchain/core/types"
)

// payloadCarrier is implemented by events that expose a structured payload in
// addition to their type string.
type payloadCarrier interface {
	Event() *types.Event
}

// RecordedEvent is one entry of the append-only observation feed. Sequence
// numbers are assigned in emission order and never reused.
type RecordedEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Recorder retains a bounded window of emitted events so the RPC layer can
// serve an ordered observation feed. Once the window is full the oldest
// entries are dropped; sequence numbers keep the feed gap-detectable.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	seq    uint64
	events []RecordedEvent
}

// NewRecorder returns a recorder retaining at most limit events.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 256
	}
	return &Recorder{limit: limit}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	entry := RecordedEvent{Type: evt.EventType()}
	if carrier, ok := evt.(payloadCarrier); ok {
		if payload := carrier.Event(); payload != nil {
			entry.Type = payload.Type
			if len(payload.Attributes) > 0 {
				attrs := make(map[string]string, len(payload.Attributes))
				for k, v := range payload.Attributes {
					attrs[k] = v
				}
				entry.Attributes = attrs
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	entry.Sequence = r.seq
	r.events = append(r.events, entry)
	if len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// After returns all retained events with a sequence strictly greater than seq.
func (r *Recorder) After(seq uint64) []RecordedEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, 0, len(r.events))
	for _, evt := range r.events {
		if evt.Sequence > seq {
			out = append(out, evt)
		}
	}
	return out
}
