package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/streamgate/types"
)

// SourceState 是来源的生命周期状态。ended 与 errored 都是终态。
type SourceState string

const (
	SourceActive  SourceState = "active"
	SourceEnded   SourceState = "ended"
	SourceErrored SourceState = "errored"
)

var (
	ErrSourceExists   = types.NewError(types.ErrSourceExists, "source already registered")
	ErrSourceNotFound = types.NewError(types.ErrSourceNotFound, "source not found")
)

// sourceRecord is exclusively owned by the Multiplexer and never handed out.
type sourceRecord struct {
	id         string
	upstream   Upstream
	normalizer NormalizerKind
	decoder    Decoder
	state      SourceState
	done       chan struct{}
	once       sync.Once
	cancel     context.CancelFunc
	started    time.Time
	span       trace.Span
}

// SourceOption configures one registered source.
type SourceOption func(*sourceRecord)

// WithNormalizer selects the provider normalizer for the source.
func WithNormalizer(k NormalizerKind) SourceOption {
	return func(r *sourceRecord) { r.normalizer = k }
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Multiplexer) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithTracer sets the tracer used for per-source spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Multiplexer) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithParentSpan makes per-source spans children of the span carried by ctx,
// typically the HTTP request span.
func WithParentSpan(ctx context.Context) Option {
	return func(m *Multiplexer) {
		m.parent = trace.SpanContextFromContext(ctx)
	}
}

// WithSourceTransforms sets the transform chain applied to every data
// payload before it is accumulated and forwarded.
func WithSourceTransforms(ts ...Transform) Option {
	return func(m *Multiplexer) {
		m.transforms = append(m.transforms, ts...)
	}
}

// WithOutOfOrder makes the multiplexer announce {"s":"meta","m":"out_of_order"}
// before any other frame.
func WithOutOfOrder() Option {
	return func(m *Multiplexer) { m.outOfOrder = true }
}

// Multiplexer fans N concurrent upstream sources into one destination.
//
// Each chunk is handled to completion under one lock before any other chunk,
// from any source, is looked at. Frames of one source keep their arrival
// order; nothing is promised across sources.
type Multiplexer struct {
	mu      sync.Mutex
	out     *safeWriter
	sources map[string]*sourceRecord
	states  map[string]SourceState
	entries map[string]*channelState
	pending int
	idle    chan struct{}

	outOfOrder bool
	transforms []Transform
	logger     *zap.Logger
	observer   Observer
	tracer     trace.Tracer
	parent     trace.SpanContext
}

// NewMultiplexer creates a Multiplexer writing to dest.
func NewMultiplexer(dest Destination, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		sources:  make(map[string]*sourceRecord),
		states:   make(map[string]SourceState),
		entries:  make(map[string]*channelState),
		idle:     make(chan struct{}),
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	close(m.idle)
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("streamgate/streaming")
	}
	m.logger = m.logger.With(zap.String("component", "stream_multiplexer"))
	m.out = newSafeWriter(dest, m.observer, m.logger)

	if m.outOfOrder {
		m.out.WriteFrame(OutOfOrderFrame())
	}
	return m
}

// SourceHandle identifies one registration.
type SourceHandle struct {
	id   string
	done <-chan struct{}
	m    *Multiplexer
}

// ID returns the source id.
func (h SourceHandle) ID() string { return h.id }

// Done is closed exactly once, when the source ends, errors or is removed.
func (h SourceHandle) Done() <-chan struct{} { return h.done }

// Detach removes the source if it is still registered.
func (h SourceHandle) Detach() {
	_ = h.m.remove(h.id, h.done)
}

// Register starts consuming up under id. The returned handle detaches the
// source and exposes its one-shot completion signal.
func (m *Multiplexer) Register(id string, up Upstream, opts ...SourceOption) (SourceHandle, error) {
	if id == "" || id == TagMeta || id == TagResult {
		return SourceHandle{}, types.NewError(types.ErrInvalidRequest, "invalid source id "+id)
	}
	if up == nil {
		return SourceHandle{}, types.NewError(types.ErrInvalidRequest, "nil upstream").WithSource(id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &sourceRecord{
		id:         id,
		upstream:   up,
		normalizer: NormalizerNone,
		state:      SourceActive,
		done:       make(chan struct{}),
		cancel:     cancel,
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(rec)
	}

	m.mu.Lock()
	if _, exists := m.sources[id]; exists {
		m.mu.Unlock()
		cancel()
		return SourceHandle{}, ErrSourceExists
	}
	if m.pending == 0 {
		m.idle = make(chan struct{})
	}
	m.pending++
	m.sources[id] = rec
	m.states[id] = SourceActive
	m.entries[id] = &channelState{}
	spanCtx := ctx
	if m.parent.IsValid() {
		spanCtx = trace.ContextWithSpanContext(ctx, m.parent)
	}
	_, rec.span = m.tracer.Start(spanCtx, "streaming.source",
		trace.WithAttributes(
			attribute.String("source.id", id),
			attribute.String("source.normalizer", string(rec.normalizer)),
		),
	)
	m.mu.Unlock()

	m.observer.RecordStreamSourceStarted()
	m.logger.Debug("source registered", zap.String("source", id))

	go Pump(ctx, up, sourceHooks{m: m, rec: rec})

	return SourceHandle{id: id, done: rec.done, m: m}, nil
}

// Remove detaches a source, discarding its buffer. Its completion signal is
// resolved if it had not been already, so Join never waits on it.
func (m *Multiplexer) Remove(id string) error {
	return m.remove(id, nil)
}

func (m *Multiplexer) remove(id string, done <-chan struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sources[id]
	if !ok || (done != nil && rec.done != done) {
		return ErrSourceNotFound
	}
	m.logger.Debug("source removed", zap.String("source", id))
	m.resolve(rec, SourceEnded)
	return nil
}

// Join blocks until every registered source, including ones registered while
// waiting, has reached a terminal state or been removed.
func (m *Multiplexer) Join(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.pending == 0 {
			m.mu.Unlock()
			return nil
		}
		idle := m.idle
		m.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the lifecycle state of a source, including finished ones.
func (m *Multiplexer) State(id string) (SourceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return st, ok
}

// Done returns the completion signal of a source. For a source that already
// finished the returned channel is closed. ok is false for unknown ids.
func (m *Multiplexer) Done(id string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sources[id]; ok {
		return rec.done, true
	}
	if _, ok := m.states[id]; ok {
		ch := make(chan struct{})
		close(ch)
		return ch, true
	}
	return nil, false
}

// Snapshot returns the accumulated text and delta count per source, including
// finished ones.
func (m *Multiplexer) Snapshot() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Entry, len(m.entries))
	for id, e := range m.entries {
		out[id] = Entry{Text: e.text.String(), Deltas: e.deltas}
	}
	return out
}

// Sources returns the ids of the live sources, sorted.
func (m *Multiplexer) Sources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Emit writes a control or result frame from the orchestration layer.
// It reports whether the frame reached the destination.
func (m *Multiplexer) Emit(f Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.WriteFrame(f)
}

// EmitStatus writes a status meta frame.
func (m *Multiplexer) EmitStatus(st types.Status) bool {
	return m.Emit(StatusFrame(st))
}

// EmitState writes a structured state meta frame.
func (m *Multiplexer) EmitState(state any) error {
	f, err := StateFrame(state)
	if err != nil {
		return err
	}
	m.Emit(f)
	return nil
}

// EmitResult writes the final aggregated result frame.
func (m *Multiplexer) EmitResult(payload any) error {
	f, err := ResultFrame(payload)
	if err != nil {
		return err
	}
	m.Emit(f)
	return nil
}

// EmitResultEnd writes the stream terminator.
func (m *Multiplexer) EmitResultEnd() bool {
	return m.Emit(ResultEndFrame())
}

// CloseDestination marks the destination closed; every later write is
// dropped silently.
func (m *Multiplexer) CloseDestination() {
	m.out.markClosed()
}

// DestinationClosed reports whether writes are currently being dropped.
func (m *Multiplexer) DestinationClosed() bool {
	return m.out.isClosed()
}

// Close removes every live source and marks the destination closed.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	for _, rec := range m.sources {
		m.resolve(rec, SourceEnded)
	}
	m.mu.Unlock()
	m.out.markClosed()
}

// =============================================================================
// source hooks
// =============================================================================

type sourceHooks struct {
	m   *Multiplexer
	rec *sourceRecord
}

func (h sourceHooks) OnData(chunk []byte) { h.m.onData(h.rec, chunk) }
func (h sourceHooks) OnError(err error)   { h.m.onError(h.rec, err) }
func (h sourceHooks) OnEnd()              { h.m.onEnd(h.rec) }

// live must be called with m.mu held.
func (m *Multiplexer) live(rec *sourceRecord) bool {
	return rec.state == SourceActive && m.sources[rec.id] == rec
}

func (m *Multiplexer) onData(rec *sourceRecord, chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.live(rec) {
		return
	}
	for _, seg := range rec.decoder.Feed(chunk) {
		m.handleSegment(rec, seg)
	}
}

func (m *Multiplexer) onEnd(rec *sourceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.live(rec) {
		return
	}
	// One synthetic final pass so a trailing unterminated frame is not lost.
	if rest := rec.decoder.Flush(); strings.TrimSpace(rest) != "" {
		m.handleSegment(rec, rest)
	}
	m.out.WriteFrame(EndFrame(rec.id))
	m.resolve(rec, SourceEnded)
}

func (m *Multiplexer) onError(rec *sourceRecord, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.live(rec) {
		return
	}
	m.logger.Warn("source failed", zap.String("source", rec.id), zap.Error(err))
	rec.span.RecordError(err)
	m.out.WriteFrame(ErrorFrame(rec.id))
	m.resolve(rec, SourceErrored)
}

func (m *Multiplexer) handleSegment(rec *sourceRecord, seg string) {
	f, err := ParseSegment(seg)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptySegment):
		return
	case errors.Is(err, ErrDoneSentinel):
		// Never terminal: the upstream's own end event resolves the source.
		m.observer.RecordStreamDoneSentinel()
		return
	default:
		m.observer.RecordStreamDecodeError()
		m.logger.Warn("skipping malformed frame",
			zap.String("source", rec.id),
			zap.Int("bytes", len(seg)),
			zap.Error(err),
		)
		return
	}

	switch f.Kind() {
	case KindMeta:
		m.out.WriteFrame(f)
	case KindEnd, KindError:
		// Terminal frames are written by the multiplexer itself.
		m.logger.Debug("ignoring in-band terminal frame",
			zap.String("source", rec.id),
			zap.String("type", f.Type),
		)
	default:
		nf, ok := rec.normalizer.Normalize(f)
		if !ok || len(nf.Data) == 0 {
			return
		}
		payload := m.transform(nf.Data)
		if e := m.entries[rec.id]; e != nil {
			e.text.WriteString(DataFrame(rec.id, payload).Text())
			e.deltas++
		}
		m.out.WriteFrame(DataFrame(rec.id, payload))
	}
}

// transform runs the chain over string payloads. Other JSON values are
// forwarded untouched.
func (m *Multiplexer) transform(data json.RawMessage) json.RawMessage {
	if len(m.transforms) == 0 || data[0] != '"' {
		return data
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return data
	}
	for _, t := range m.transforms {
		text = t.Apply(text)
	}
	return quote(text)
}

// resolve moves rec to a terminal state exactly once. m.mu must be held.
func (m *Multiplexer) resolve(rec *sourceRecord, state SourceState) {
	rec.once.Do(func() {
		rec.state = state
		rec.decoder.Reset()
		rec.cancel()
		close(rec.done)

		delete(m.sources, rec.id)
		m.states[rec.id] = state
		m.pending--
		if m.pending == 0 {
			close(m.idle)
		}

		elapsed := time.Since(rec.started)
		m.observer.RecordStreamSourceFinished(string(state), elapsed)
		rec.span.SetAttributes(attribute.String("source.state", string(state)))
		if state == SourceErrored {
			rec.span.SetStatus(codes.Error, "source errored")
		}
		rec.span.End()

		m.logger.Debug("source finished",
			zap.String("source", rec.id),
			zap.String("state", string(state)),
			zap.Duration("elapsed", elapsed),
		)
	})
}
