package batch

import (
	"sync"
	"time"
)

// emitter throttles unforced progress emissions to a minimum interval.
// Forced emissions (state transitions, heartbeats) always go through.
// Emissions are serialized, so the sink needs no locking of its own.
type emitter struct {
	mu          sync.Mutex
	sink        func(string)
	minInterval time.Duration
	last        time.Time
}

func newEmitter(sink func(string), minInterval time.Duration) *emitter {
	return &emitter{sink: sink, minInterval: minInterval}
}

func (e *emitter) emit(render func() string, force bool) {
	if e.sink == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if !force && now.Sub(e.last) < e.minInterval {
		return
	}
	e.last = now
	e.sink(render())
}
