package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultChannelKey is the accumulator key for data frames without a tag.
const DefaultChannelKey = "default"

// Entry is the accumulated state of one logical channel.
type Entry struct {
	Text   string `json:"text"`
	Deltas int    `json:"deltas"`
}

// Sink receives frames re-emitted by a Consumer.
type Sink interface {
	WriteFrame(f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f Frame) error

// WriteFrame implements Sink.
func (fn SinkFunc) WriteFrame(f Frame) error { return fn(f) }

// WriterSink re-emits frames in wire form to dest with the same safe-write
// discipline as the Multiplexer.
func WriterSink(dest Destination, logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := newSafeWriter(dest, nopObserver{}, logger)
	return SinkFunc(func(f Frame) error {
		w.WriteFrame(f)
		return nil
	})
}

type channelState struct {
	text   strings.Builder
	deltas int
}

// Consumer wraps exactly one upstream text stream: it decodes frames, runs
// the transform chain over data payloads, accumulates text per channel and
// optionally forwards frames to attached sinks.
type Consumer struct {
	mu          sync.Mutex
	decoder     Decoder
	aliases     map[string]string
	channels    map[string]*channelState
	transforms  []Transform
	sinks       []Sink
	statusSinks []Sink
	defaultKey  string
	done        bool
	err         error

	logger   *zap.Logger
	observer Observer
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultKey sets the channel key used for frames without a source tag.
func WithDefaultKey(key string) ConsumerOption {
	return func(c *Consumer) {
		if key != "" {
			c.defaultKey = key
		}
	}
}

// WithConsumerObserver sets the metrics observer.
func WithConsumerObserver(o Observer) ConsumerOption {
	return func(c *Consumer) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithTransforms appends transforms at construction.
func WithTransforms(ts ...Transform) ConsumerOption {
	return func(c *Consumer) {
		c.transforms = append(c.transforms, ts...)
	}
}

// NewConsumer creates a Consumer.
func NewConsumer(opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		aliases:    make(map[string]string),
		channels:   make(map[string]*channelState),
		defaultKey: DefaultChannelKey,
		logger:     zap.NewNop(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "stream_consumer"))
	return c
}

// Attach adds a pass-through sink that receives every frame verbatim.
func (c *Consumer) Attach(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// AttachStatus adds a sink that receives only meta frames.
func (c *Consumer) AttachStatus(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusSinks = append(c.statusSinks, s)
}

// AddTransform appends t to the chain. The chain is append-only.
func (c *Consumer) AddTransform(t Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transforms = append(c.transforms, t)
}

// Feed processes one upstream chunk.
func (c *Consumer) Feed(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	for _, seg := range c.decoder.Feed(chunk) {
		c.handleSegment(seg)
	}
}

// Close flushes any trailing fragment through one final decode pass and
// makes the snapshot authoritative.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish(nil)
}

func (c *Consumer) finish(err error) {
	if c.done {
		return
	}
	if rest := c.decoder.Flush(); strings.TrimSpace(rest) != "" {
		c.handleSegment(rest)
	}
	c.done = true
	c.err = err
}

// Run pumps up into the consumer until it terminates. It returns the upstream
// error, or nil on a natural end.
func (c *Consumer) Run(ctx context.Context, up Upstream) error {
	Pump(ctx, up, consumerHooks{c})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		// Cancelled before a terminal event.
		c.finish(ctx.Err())
	}
	return c.err
}

type consumerHooks struct{ c *Consumer }

func (h consumerHooks) OnData(chunk []byte) { h.c.Feed(chunk) }
func (h consumerHooks) OnEnd()              { h.c.Close() }
func (h consumerHooks) OnError(err error) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.logger.Warn("upstream failed", zap.Error(err))
	h.c.finish(err)
}

// Snapshot returns a copy of the accumulated text and delta count per
// channel. It is best-effort while the stream is running and authoritative
// once Done reports true.
func (c *Consumer) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Entry, len(c.channels))
	for k, ch := range c.channels {
		out[k] = Entry{Text: ch.text.String(), Deltas: ch.deltas}
	}
	return out
}

// Text returns the accumulated text for one channel.
func (c *Consumer) Text(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[key]; ok {
		return ch.text.String()
	}
	return ""
}

// Done reports whether the stream has ended.
func (c *Consumer) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the upstream error the stream ended with, if any.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) handleSegment(seg string) {
	f, err := ParseSegment(seg)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptySegment):
		return
	case errors.Is(err, ErrDoneSentinel):
		c.observer.RecordStreamDoneSentinel()
		return
	default:
		c.observer.RecordStreamDecodeError()
		c.logger.Warn("skipping malformed frame", zap.Int("bytes", len(seg)), zap.Error(err))
		return
	}

	c.forward(c.sinks, f)

	switch f.Kind() {
	case KindMeta:
		for src, key := range f.Aliases() {
			c.aliases[src] = key
		}
		c.forward(c.statusSinks, f)
	case KindData, KindResult:
		c.accumulate(f)
	}
}

func (c *Consumer) accumulate(f Frame) {
	// 没有载荷的帧不计为增量，与 Multiplexer 一致。
	if len(f.Data) == 0 {
		return
	}
	key := f.Source
	if key == "" {
		key = c.defaultKey
	}
	if alias, ok := c.aliases[key]; ok {
		key = alias
	}

	text := f.Text()
	for _, t := range c.transforms {
		text = t.Apply(text)
	}

	ch, ok := c.channels[key]
	if !ok {
		ch = &channelState{}
		c.channels[key] = ch
	}
	ch.text.WriteString(text)
	ch.deltas++
}

func (c *Consumer) forward(sinks []Sink, f Frame) {
	for _, s := range sinks {
		if err := s.WriteFrame(f); err != nil {
			c.logger.Warn("sink rejected frame", zap.String("source", f.Source), zap.Error(err))
		}
	}
}

var _ io.Writer = (*consumerWriter)(nil)

// consumerWriter lets a Consumer sit behind an io.Writer, e.g. as the
// destination of io.Copy.
type consumerWriter struct{ c *Consumer }

// Writer returns an io.Writer feeding the consumer.
func (c *Consumer) Writer() io.Writer { return consumerWriter{c} }

func (w consumerWriter) Write(p []byte) (int, error) {
	w.c.Feed(p)
	return len(p), nil
}
