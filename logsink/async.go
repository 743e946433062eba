package logsink

import (
	"sync"
	"sync/atomic"
)

type event struct {
	name   string
	value  float64
	values []float64
	step   int
	hist   bool
}

// AsyncSink forwards events to another sink from a background goroutine.
// When the buffer is full the event is dropped; callers never block.
type AsyncSink struct {
	inner   Sink
	events  chan event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewAsyncSink starts the forwarding goroutine. buffer is the number of
// events that may be pending.
func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &AsyncSink{
		inner:  inner,
		events: make(chan event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for e := range a.events {
		if e.hist {
			a.inner.AddHistogram(e.name, e.values, e.step)
		} else {
			a.inner.AddScalar(e.name, e.value, e.step)
		}
	}
}

func (a *AsyncSink) send(e event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncSink) AddScalar(name string, value float64, step int) {
	a.send(event{name: name, value: value, step: step})
}

// AddHistogram copies values before queueing them.
func (a *AsyncSink) AddHistogram(name string, values []float64, step int) {
	a.send(event{name: name, values: append([]float64(nil), values...), step: step, hist: true})
}

// Dropped returns how many events were discarded.
func (a *AsyncSink) Dropped() uint64 {
	return a.dropped.Load()
}

// Close drains pending events, then closes the wrapped sink.
func (a *AsyncSink) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
		<-a.done
		err = a.inner.Close()
	})
	return err
}
