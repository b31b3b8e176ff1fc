// Package events implements the in-process publish/subscribe bus of the
// gateway. Event names are hierarchical, separated by dots
// ("variable.changed", "connection.lost"), subscriptions may use a wildcard
// per segment ("variable.*").
//
// Delivery is synchronous in the emitter's goroutine, which gives ordered
// delivery from any single emitter to any single listener. Handlers must not
// block; slow consumers (websocket clients, MQTT) buffer on their own side.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is what listeners receive.
type Event struct {
	Name      string
	Payload   interface{}
	Timestamp time.Time
}

// Handler consumes one event.
type Handler func(Event)

// PerfSample is the payload of "performance.metric" events; the bus keeps a
// ring of the most recent samples for cheap querying.
type PerfSample struct {
	Operation  string
	DurationNs int64
	Timestamp  time.Time
}

const perfRetention = 1000

type subscription struct {
	id      int
	pattern []string
	handler Handler
}

// Bus is safe for concurrent subscription and emission.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // keyed by pattern string
	nextID int
	debug  bool

	perfMu   sync.Mutex
	perf     []PerfSample
	perfHead int
	perfSize int
}

// NewBus creates an empty bus. With debug set, every emission is logged.
func NewBus(debug bool) *Bus {
	return &Bus{
		subs:  make(map[string][]subscription),
		debug: debug,
		perf:  make([]PerfSample, perfRetention),
	}
}

// Subscribe registers a handler for a name or wildcard pattern and returns a
// subscription id for Unsubscribe.
func (b *Bus) Subscribe(pattern string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[pattern] = append(b.subs[pattern], subscription{
		id:      b.nextID,
		pattern: strings.Split(pattern, "."),
		handler: h,
	})
	return b.nextID
}

// Unsubscribe removes a handler registered under the pattern.
func (b *Bus) Unsubscribe(pattern string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[pattern]
	for i, s := range subs {
		if s.id == id {
			b.subs[pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[pattern]) == 0 {
		delete(b.subs, pattern)
	}
}

// Emit delivers the event to every matching listener, in registration order
// per pattern, synchronously.
func (b *Bus) Emit(name string, payload interface{}) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	if b.debug {
		logrus.Debugf("BUS: %s %+v", name, payload)
	}

	if name == "performance.metric" {
		if s, ok := payload.(PerfSample); ok {
			b.recordPerf(s)
		}
	}

	segments := strings.Split(name, ".")

	b.mu.RLock()
	var matched []Handler
	for _, subs := range b.subs {
		for _, s := range subs {
			if matchPattern(s.pattern, segments) {
				matched = append(matched, s.handler)
			}
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ev)
	}
}

// matchPattern matches dot-split segments against a pattern. "*" matches one
// segment; a trailing "*" matches all remaining segments.
func matchPattern(pattern, segments []string) bool {
	for i, p := range pattern {
		if p == "*" && i == len(pattern)-1 {
			return len(segments) > i
		}
		if i >= len(segments) {
			return false
		}
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return len(pattern) == len(segments)
}

func (b *Bus) recordPerf(s PerfSample) {
	b.perfMu.Lock()
	defer b.perfMu.Unlock()

	b.perf[b.perfHead] = s
	b.perfHead = (b.perfHead + 1) % perfRetention
	if b.perfSize < perfRetention {
		b.perfSize++
	}
}

// RecentPerf returns up to n most recent performance samples, newest first,
// optionally filtered by operation name ("" matches all).
func (b *Bus) RecentPerf(operation string, n int) []PerfSample {
	b.perfMu.Lock()
	defer b.perfMu.Unlock()

	out := make([]PerfSample, 0, n)
	for i := 0; i < b.perfSize && len(out) < n; i++ {
		idx := (b.perfHead - 1 - i + perfRetention) % perfRetention
		s := b.perf[idx]
		if operation == "" || s.Operation == operation {
			out = append(out, s)
		}
	}
	return out
}

// PerfAverage returns the average duration in nanoseconds over the retained
// samples of an operation, and how many samples contributed.
func (b *Bus) PerfAverage(operation string) (int64, int) {
	b.perfMu.Lock()
	defer b.perfMu.Unlock()

	var sum int64
	var count int
	for i := 0; i < b.perfSize; i++ {
		s := b.perf[i]
		if operation == "" || s.Operation == operation {
			sum += s.DurationNs
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return sum / int64(count), count
}
