package streaming

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Destination is the single shared output stream. Beyond io.Writer it may
// expose any of the optional capabilities below; the close semantics of
// platform response objects vary, so every write is checked against all of
// them.
type Destination interface {
	io.Writer
}

type closedReporter interface {
	Closed() bool
}

type writableReporter interface {
	Writable() bool
}

type doneNotifier interface {
	Done() <-chan struct{}
}

// safeWriter serializes frames onto a Destination and turns writes after
// closure into silent no-ops.
type safeWriter struct {
	dest     Destination
	done     <-chan struct{}
	closed   atomic.Bool
	observer Observer
	logger   *zap.Logger
}

func newSafeWriter(dest Destination, observer Observer, logger *zap.Logger) *safeWriter {
	w := &safeWriter{dest: dest, observer: observer, logger: logger}
	if d, ok := dest.(doneNotifier); ok {
		w.done = d.Done()
	}
	return w
}

// markClosed sets the local closed flag.
func (w *safeWriter) markClosed() {
	w.closed.Store(true)
}

func (w *safeWriter) isClosed() bool {
	if w.closed.Load() {
		return true
	}
	if w.done != nil {
		select {
		case <-w.done:
			w.closed.Store(true)
			return true
		default:
		}
	}
	if c, ok := w.dest.(closedReporter); ok && c.Closed() {
		w.closed.Store(true)
		return true
	}
	if p, ok := w.dest.(writableReporter); ok && !p.Writable() {
		return true
	}
	return false
}

// WriteFrame writes f and reports whether it reached the destination.
// It never returns an error: a closed destination drops the frame.
func (w *safeWriter) WriteFrame(f Frame) bool {
	if w.isClosed() {
		w.observer.RecordStreamWriteDropped()
		return false
	}
	data, err := encodeVerbatim(f)
	if err != nil {
		w.logger.Warn("failed to encode frame", zap.String("source", f.Source), zap.Error(err))
		return false
	}
	if _, err := w.dest.Write(data); err != nil {
		w.closed.Store(true)
		w.observer.RecordStreamWriteDropped()
		w.logger.Debug("destination write failed, marking closed", zap.Error(err))
		return false
	}
	if fl, ok := w.dest.(http.Flusher); ok {
		fl.Flush()
	}
	w.observer.RecordStreamFrame(string(f.Kind()))
	return true
}

// =============================================================================
// HTTP (SSE)
// =============================================================================

// HTTPDestination writes frames to an SSE response. The request context is
// its finish signal.
type HTTPDestination struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}
	closed  atomic.Bool
}

// NewHTTPDestination sets the event-stream headers and commits the response.
func NewHTTPDestination(w http.ResponseWriter, r *http.Request) *HTTPDestination {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)

	d := &HTTPDestination{w: w, done: r.Context().Done()}
	if f, ok := w.(http.Flusher); ok {
		d.flusher = f
		f.Flush()
	}
	return d
}

// Write implements io.Writer.
func (d *HTTPDestination) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return d.w.Write(p)
}

// Flush pushes buffered frames to the client.
func (d *HTTPDestination) Flush() {
	if d.flusher != nil && !d.closed.Load() {
		d.flusher.Flush()
	}
}

// Done is closed when the client request finishes.
func (d *HTTPDestination) Done() <-chan struct{} { return d.done }

// Closed reports whether Close was called.
func (d *HTTPDestination) Closed() bool { return d.closed.Load() }

// Close stops further writes. The response itself is finished by the handler
// returning.
func (d *HTTPDestination) Close() error {
	d.closed.Store(true)
	return nil
}

// =============================================================================
// WebSocket
// =============================================================================

// WebSocketDestination sends each wire frame as one text message.
// 写操作通过 mutex 保护，因为 WebSocket 不支持并发写。
type WebSocketDestination struct {
	conn         *websocket.Conn
	ctx          context.Context
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       atomic.Bool
}

// NewWebSocketDestination wraps an accepted connection. Incoming messages
// are discarded; the connection closing cancels Done.
func NewWebSocketDestination(ctx context.Context, conn *websocket.Conn, writeTimeout time.Duration) *WebSocketDestination {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketDestination{
		conn:         conn,
		ctx:          conn.CloseRead(ctx),
		writeTimeout: writeTimeout,
	}
}

// Write implements io.Writer.
func (d *WebSocketDestination) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.writeTimeout)
	defer cancel()
	if err := d.conn.Write(ctx, websocket.MessageText, p); err != nil {
		d.closed.Store(true)
		return 0, err
	}
	return len(p), nil
}

// Done is closed when the peer disconnects.
func (d *WebSocketDestination) Done() <-chan struct{} { return d.ctx.Done() }

// Context is cancelled when the peer disconnects or the parent context ends.
func (d *WebSocketDestination) Context() context.Context { return d.ctx }

// Closed reports whether the connection has been closed.
func (d *WebSocketDestination) Closed() bool { return d.closed.Load() }

// Close closes the connection with a normal closure.
func (d *WebSocketDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Swap(true) {
		return nil
	}
	return d.conn.Close(websocket.StatusNormalClosure, "stream finished")
}

// =============================================================================
// In-memory
// =============================================================================

// BufferDestination collects frames in memory.
type BufferDestination struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	closed atomic.Bool
}

// NewBufferDestination creates an empty in-memory destination.
func NewBufferDestination() *BufferDestination {
	return &BufferDestination{}
}

// Write implements io.Writer.
func (d *BufferDestination) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	return d.buf.Write(p)
}

// Close marks the destination closed.
func (d *BufferDestination) Close() error {
	d.closed.Store(true)
	return nil
}

// Closed implements the closed capability.
func (d *BufferDestination) Closed() bool { return d.closed.Load() }

// Writes returns the number of Write calls received.
func (d *BufferDestination) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// String returns everything written so far.
func (d *BufferDestination) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String()
}

// Frames decodes everything written so far. Sentinels and malformed segments
// are skipped.
func (d *BufferDestination) Frames() []Frame {
	var dec Decoder
	segs := dec.Feed([]byte(d.String()))
	frames := make([]Frame, 0, len(segs))
	for _, s := range segs {
		f, err := ParseSegment(s)
		if err != nil {
			continue
		}
		frames = append(frames, f.Bare())
	}
	return frames
}
