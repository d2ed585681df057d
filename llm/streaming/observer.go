package streaming

import "time"

// Observer receives stream events for metrics collection.
// internal/metrics.Collector satisfies it.
type Observer interface {
	RecordStreamFrame(kind string)
	RecordStreamWriteDropped()
	RecordStreamDecodeError()
	RecordStreamDoneSentinel()
	RecordStreamSourceStarted()
	RecordStreamSourceFinished(state string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) RecordStreamFrame(string)                         {}
func (nopObserver) RecordStreamWriteDropped()                        {}
func (nopObserver) RecordStreamDecodeError()                         {}
func (nopObserver) RecordStreamDoneSentinel()                        {}
func (nopObserver) RecordStreamSourceStarted()                       {}
func (nopObserver) RecordStreamSourceFinished(string, time.Duration) {}
