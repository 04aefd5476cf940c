// Package progress carries install/update/repair progress events from the
// pipeline to whatever reporting layer the host attaches (CLI printer, UI).
package progress

import (
	"fmt"
	"sync"
)

// Steps emitted by the install pipeline.
const (
	StepResolving   = "resolving"
	StepDownloading = "downloading"
	StepExtracting  = "extracting"
	StepMods        = "mods"
	StepVerifying   = "verifying"
	StepDone        = "done"
)

// Event is one progress emission. Percentage is scoped to the current step
// and is monotonically non-decreasing within it; it resets when the step
// changes. The composite percentage shown to a user is the consumer's job.
type Event struct {
	Percentage float64 `json:"percentage"`
	BytesDone  int64   `json:"bytesDone,omitempty"`
	BytesTotal int64   `json:"bytesTotal,omitempty"`
	Speed      string  `json:"downloadSpeed,omitempty"`
	ETA        string  `json:"eta,omitempty"`
	Step       string  `json:"step"`
	Message    string  `json:"generalMessage"`
	Detail     string  `json:"detailMessage,omitempty"`
}

// Bus routes events to at most one subscriber per operation id. Producers
// never block: events for a slow or absent consumer are dropped.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers the single consumer for an operation and returns its
// event channel. The channel is closed by Close when the operation ends.
func (b *Bus) Subscribe(opID string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[opID]; exists {
		return nil, fmt.Errorf("operation %s already has a subscriber", opID)
	}
	ch := make(chan Event, 64)
	b.subs[opID] = ch
	return ch, nil
}

// Publish delivers an event to the operation's subscriber, if any.
func (b *Bus) Publish(opID string, ev Event) {
	b.mu.Lock()
	ch, ok := b.subs[opID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		// Drop for slow consumer
	}
}

// Close tears down the operation's channel. It is called unconditionally when
// an operation ends, success or failure, and is safe to call twice.
func (b *Bus) Close(opID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[opID]; ok {
		delete(b.subs, opID)
		close(ch)
	}
}
