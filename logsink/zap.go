package logsink

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes one JSON line per event to a file. Histograms are stored as
// summaries rather than raw values.
type ZapSink struct {
	file   *os.File
	logger *zap.Logger
}

// NewZapSink creates dir if needed and appends events to dir/events.log.
func NewZapSink(dir string) (*ZapSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), zapcore.InfoLevel)
	return &ZapSink{file: f, logger: zap.New(core)}, nil
}

func (z *ZapSink) AddScalar(name string, value float64, step int) {
	z.logger.Info("scalar",
		zap.String("tag", name),
		zap.Float64("value", value),
		zap.Int("step", step))
}

func (z *ZapSink) AddHistogram(name string, values []float64, step int) {
	s := Summarize(values)
	z.logger.Info("histogram",
		zap.String("tag", name),
		zap.Int("step", step),
		zap.Int("count", s.Count),
		zap.Float64("min", s.Min),
		zap.Float64("max", s.Max),
		zap.Float64("mean", s.Mean),
		zap.Float64("std", s.Std))
}

// Close flushes and closes the event file.
func (z *ZapSink) Close() error {
	if err := z.logger.Sync(); err != nil {
		z.file.Close()
		return fmt.Errorf("failed to flush event log: %w", err)
	}
	return z.file.Close()
}
