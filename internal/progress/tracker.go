package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// emitInterval throttles byte-level updates so a fast download does not
// flood the bus. Step changes and terminal events always go through.
const emitInterval = 200 * time.Millisecond

// Tracker accumulates progress for one operation and publishes events to a
// Bus. Percentage never moves backwards within a step, even when an upstream
// total is revised mid-transfer.
type Tracker struct {
	bus  *Bus
	opID string

	mu         sync.Mutex
	step       string
	message    string
	stepStart  time.Time
	bytesDone  int64
	bytesTotal int64
	lastPct    float64
	lastEmit   time.Time
}

// NewTracker creates a tracker publishing under the given operation id.
func NewTracker(bus *Bus, opID string) *Tracker {
	return &Tracker{bus: bus, opID: opID}
}

// SetStep advances to a new pipeline step. Percentage resets to zero and the
// byte counters are cleared.
func (t *Tracker) SetStep(step, message string) {
	t.mu.Lock()
	t.step = step
	t.message = message
	t.stepStart = time.Now()
	t.bytesDone = 0
	t.bytesTotal = 0
	t.lastPct = 0
	t.lastEmit = time.Time{}
	ev := t.eventLocked()
	t.mu.Unlock()

	t.bus.Publish(t.opID, ev)
}

// UpdateBytes reports transfer progress within the current step. Total may be
// zero when the size is unknown; percentage then stays at its last value.
func (t *Tracker) UpdateBytes(done, total int64) {
	t.mu.Lock()
	t.bytesDone = done
	if total > 0 {
		t.bytesTotal = total
	}
	if t.bytesTotal > 0 {
		pct := float64(done) / float64(t.bytesTotal) * 100
		if pct > 100 {
			pct = 100
		}
		if pct > t.lastPct {
			t.lastPct = pct
		}
	}
	now := time.Now()
	if now.Sub(t.lastEmit) < emitInterval {
		t.mu.Unlock()
		return
	}
	t.lastEmit = now
	ev := t.eventLocked()
	t.mu.Unlock()

	t.bus.Publish(t.opID, ev)
}

// UpdateCount reports item-level progress, such as mods fetched out of the
// batch total.
func (t *Tracker) UpdateCount(done, total int) {
	t.mu.Lock()
	if total > 0 {
		pct := float64(done) / float64(total) * 100
		if pct > t.lastPct {
			t.lastPct = pct
		}
	}
	ev := t.eventLocked()
	ev.Detail = fmt.Sprintf("%d/%d", done, total)
	t.mu.Unlock()

	t.bus.Publish(t.opID, ev)
}

// SetDetail publishes the current state with a one-line detail message, such
// as the file being downloaded.
func (t *Tracker) SetDetail(detail string) {
	t.mu.Lock()
	ev := t.eventLocked()
	ev.Detail = detail
	t.mu.Unlock()

	t.bus.Publish(t.opID, ev)
}

// Complete publishes the terminal success event at 100%.
func (t *Tracker) Complete(message string) {
	t.mu.Lock()
	t.step = StepDone
	t.message = message
	t.lastPct = 100
	ev := t.eventLocked()
	t.mu.Unlock()

	t.bus.Publish(t.opID, ev)
}

// Fail publishes a terminal event carrying the failure message at the last
// reached percentage.
func (t *Tracker) Fail(message string) {
	t.mu.Lock()
	t.message = message
	ev := t.eventLocked()
	t.mu.Unlock()

	t.bus.Publish(t.opID, ev)
}

// eventLocked builds an Event from current state. Caller holds t.mu.
func (t *Tracker) eventLocked() Event {
	ev := Event{
		Percentage: t.lastPct,
		BytesDone:  t.bytesDone,
		BytesTotal: t.bytesTotal,
		Step:       t.step,
		Message:    t.message,
	}
	if t.bytesDone > 0 && !t.stepStart.IsZero() {
		elapsed := time.Since(t.stepStart).Seconds()
		if elapsed > 0.5 {
			bps := float64(t.bytesDone) / elapsed
			ev.Speed = humanize.IBytes(uint64(bps)) + "/s"
			if t.bytesTotal > t.bytesDone && bps > 0 {
				remaining := float64(t.bytesTotal-t.bytesDone) / bps
				ev.ETA = (time.Duration(remaining) * time.Second).String()
			}
		}
	}
	return ev
}
