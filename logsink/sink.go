// Package logsink receives scalar and histogram events from training.
// Sinks are fire-and-forget: training never waits on or fails because of
// a sink.
package logsink

// Sink records named scalars and value distributions at a step.
type Sink interface {
	AddScalar(name string, value float64, step int)
	AddHistogram(name string, values []float64, step int)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) AddScalar(string, float64, int)      {}
func (Nop) AddHistogram(string, []float64, int) {}
func (Nop) Close() error                        { return nil }
