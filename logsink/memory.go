package logsink

import "sync"

// ScalarEvent is one recorded scalar.
type ScalarEvent struct {
	Name  string
	Value float64
	Step  int
}

// HistogramEvent is one recorded distribution.
type HistogramEvent struct {
	Name   string
	Values []float64
	Step   int
}

// MemorySink keeps every event in memory.
type MemorySink struct {
	mu         sync.Mutex
	scalars    []ScalarEvent
	histograms []HistogramEvent
	closed     bool
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) AddScalar(name string, value float64, step int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars = append(m.scalars, ScalarEvent{Name: name, Value: value, Step: step})
}

// AddHistogram stores a copy of values.
func (m *MemorySink) AddHistogram(name string, values []float64, step int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, HistogramEvent{
		Name:   name,
		Values: append([]float64(nil), values...),
		Step:   step,
	})
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Scalars returns the recorded scalars in arrival order.
func (m *MemorySink) Scalars() []ScalarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScalarEvent(nil), m.scalars...)
}

// Histograms returns the recorded histograms in arrival order.
func (m *MemorySink) Histograms() []HistogramEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistogramEvent(nil), m.histograms...)
}

// Scalar returns the last value logged under name.
func (m *MemorySink) Scalar(name string) (ScalarEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.scalars) - 1; i >= 0; i-- {
		if m.scalars[i].Name == name {
			return m.scalars[i], true
		}
	}
	return ScalarEvent{}, false
}

// HistogramNames returns the distinct histogram names in first-seen order.
func (m *MemorySink) HistogramNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var names []string
	for _, h := range m.histograms {
		if !seen[h.Name] {
			seen[h.Name] = true
			names = append(names, h.Name)
		}
	}
	return names
}
