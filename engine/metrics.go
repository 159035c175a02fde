package engine

import "time"

// Collector receives sync metrics. Implementations must be safe for
// concurrent use; a no-op collector is the default.
type Collector interface {
	RecordSessionDuration(d time.Duration)
	RecordSessionCounts(pulled, pushed, rejected, conflicts int)
	RecordSessionError(code string)
}

// NoopCollector discards all metrics.
type NoopCollector struct{}

func (NoopCollector) RecordSessionDuration(time.Duration)   {}
func (NoopCollector) RecordSessionCounts(int, int, int, int) {}
func (NoopCollector) RecordSessionError(string)              {}

var _ Collector = NoopCollector{}
