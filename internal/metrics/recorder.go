package metrics

import (
	"time"
)

// Recorder records hub and feed activity. It satisfies hub.Recorder.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordAppend records one appended result.
func (r *Recorder) RecordAppend(hub string) {
	HubAppends.WithLabelValues(hub).Inc()
}

// RecordRebuild records a rebuild that replayed n records.
func (r *Recorder) RecordRebuild(hub string, replayed int, d time.Duration) {
	HubRebuilds.WithLabelValues(hub).Inc()
	HubRebuildReplayed.WithLabelValues(hub).Observe(float64(replayed))
	HubRebuildDuration.WithLabelValues(hub).Observe(d.Seconds())
}

// RecordPrune records n pruned results.
func (r *Recorder) RecordPrune(hub string, n int) {
	HubPrunes.WithLabelValues(hub).Add(float64(n))
}

// RecordCacheSize records the current cache length.
func (r *Recorder) RecordCacheSize(hub string, n int) {
	HubCacheSize.WithLabelValues(hub).Set(float64(n))
}

// RecordError records a hub fault.
func (r *Recorder) RecordError(hub, kind string) {
	HubErrors.WithLabelValues(hub, kind).Inc()
}

// RecordFeedEvent records one feed mutation. outcome is "ok", "skipped"
// or "error".
func (r *Recorder) RecordFeedEvent(op, outcome string) {
	FeedEvents.WithLabelValues(op, outcome).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveReplay observes the elapsed time as a replay run.
func (t *Timer) ObserveReplay() time.Duration {
	d := t.Elapsed()
	ReplayDuration.Observe(d.Seconds())
	return d
}
