package streaming

import (
	"sync"
	"time"
)

// recordingObserver 记录所有回调，供测试断言。
type recordingObserver struct {
	mu         sync.Mutex
	frames     map[string]int
	dropped    int
	decodeErrs int
	sentinels  int
	started    int
	finished   map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{frames: map[string]int{}, finished: map[string]int{}}
}

func (o *recordingObserver) RecordStreamFrame(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[kind]++
}

func (o *recordingObserver) RecordStreamWriteDropped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *recordingObserver) RecordStreamDecodeError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decodeErrs++
}

func (o *recordingObserver) RecordStreamDoneSentinel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sentinels++
}

func (o *recordingObserver) RecordStreamSourceStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) RecordStreamSourceFinished(state string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[state]++
}

func (o *recordingObserver) snapshot() recordingObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := make(map[string]int, len(o.frames))
	for k, v := range o.frames {
		frames[k] = v
	}
	finished := make(map[string]int, len(o.finished))
	for k, v := range o.finished {
		finished[k] = v
	}
	return recordingObserver{
		frames:     frames,
		dropped:    o.dropped,
		decodeErrs: o.decodeErrs,
		sentinels:  o.sentinels,
		started:    o.started,
		finished:   finished,
	}
}

var _ Observer = (*recordingObserver)(nil)
