package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/streamgate/types"
)

func joinCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func framesFor(frames []Frame, source string) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Source == source {
			out = append(out, f)
		}
	}
	return out
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestMultiplexer_TwoSourcesScenario(t *testing.T) {
	dest := NewBufferDestination()
	m := NewMultiplexer(dest, WithLogger(zaptest.NewLogger(t)))

	ragStream := wire(t, TextFrame("rag", "A"), TextFrame("rag", "B"), TextFrame("rag", "C"))
	answerStream := wire(t, TextFrame("answer", "X"), TextFrame("answer", "Y"), TextFrame("answer", "Z"))

	rag, err := m.Register("rag", FromStrings(splitEvery(ragStream, 3)...))
	require.NoError(t, err)
	answer, err := m.Register("answer", FromStrings(splitEvery(answerStream, 11)...))
	require.NoError(t, err)

	require.NoError(t, m.Join(joinCtx(t)))
	assert.True(t, isClosed(rag.Done()))
	assert.True(t, isClosed(answer.Done()))

	frames := dest.Frames()
	require.Len(t, frames, 8)
	assert.Equal(t, []Frame{
		TextFrame("rag", "A"), TextFrame("rag", "B"), TextFrame("rag", "C"), EndFrame("rag"),
	}, framesFor(frames, "rag"))
	assert.Equal(t, []Frame{
		TextFrame("answer", "X"), TextFrame("answer", "Y"), TextFrame("answer", "Z"), EndFrame("answer"),
	}, framesFor(frames, "answer"))

	st, ok := m.State("rag")
	require.True(t, ok)
	assert.Equal(t, SourceEnded, st)
	assert.Empty(t, m.Sources())
	assert.Equal(t, Entry{Text: "ABC", Deltas: 3}, m.Snapshot()["rag"])
}

func TestMultiplexer_JoinWaitsForEveryEnd(t *testing.T) {
	m := NewMultiplexer(NewBufferDestination())

	fast := make(chan Chunk)
	slow := make(chan Chunk)
	_, err := m.Register("fast", FromChannel(fast))
	require.NoError(t, err)
	slowHandle, err := m.Register("slow", FromChannel(slow))
	require.NoError(t, err)

	close(fast)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Join(ctx), context.DeadlineExceeded)
	assert.False(t, isClosed(slowHandle.Done()))

	close(slow)
	require.NoError(t, m.Join(joinCtx(t)))
}

func TestMultiplexer_JoinIncludesLaterRegistrations(t *testing.T) {
	m := NewMultiplexer(NewBufferDestination())

	first := make(chan Chunk)
	_, err := m.Register("first", FromChannel(first))
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() { joined <- m.Join(joinCtx(t)) }()

	second := make(chan Chunk)
	_, err = m.Register("second", FromChannel(second))
	require.NoError(t, err)

	close(first)
	select {
	case err := <-joined:
		t.Fatalf("join returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(second)
	require.NoError(t, <-joined)
}

func TestMultiplexer_JoinWithoutSources(t *testing.T) {
	m := NewMultiplexer(NewBufferDestination())
	require.NoError(t, m.Join(context.Background()))
}

func TestMultiplexer_DoneSentinelIsNotTerminal(t *testing.T) {
	dest := NewBufferDestination()
	obs := newRecordingObserver()
	m := NewMultiplexer(dest, WithObserver(obs))

	ch := make(chan Chunk)
	h, err := m.Register("answer", FromChannel(ch))
	require.NoError(t, err)

	ch <- Chunk{Data: []byte(wire(t, TextFrame("answer", "a")))}
	ch <- Chunk{Data: []byte("data: [DONE]\n\n")}
	ch <- Chunk{Data: []byte(wire(t, TextFrame("answer", "b")))}

	assert.Eventually(t, func() bool { return len(dest.Frames()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, isClosed(h.Done()))
	st, _ := m.State("answer")
	assert.Equal(t, SourceActive, st)

	close(ch)
	require.NoError(t, m.Join(joinCtx(t)))
	assert.True(t, isClosed(h.Done()))
	assert.Equal(t, 1, obs.snapshot().sentinels)
	assert.Equal(t, []Frame{TextFrame("answer", "a"), TextFrame("answer", "b"), EndFrame("answer")}, dest.Frames())
}

func TestMultiplexer_UpstreamError(t *testing.T) {
	dest := NewBufferDestination()
	obs := newRecordingObserver()
	m := NewMultiplexer(dest, WithObserver(obs))

	ch := make(chan Chunk, 2)
	ch <- Chunk{Data: []byte(wire(t, TextFrame("tool", "{")))}
	ch <- Chunk{Err: errors.New("connection reset")}
	_, err := m.Register("tool", FromChannel(ch))
	require.NoError(t, err)
	_, err = m.Register("answer", FromStrings(wire(t, TextFrame("answer", "fine"))))
	require.NoError(t, err)

	require.NoError(t, m.Join(joinCtx(t)))

	assert.Equal(t, []Frame{TextFrame("tool", "{"), ErrorFrame("tool")}, framesFor(dest.Frames(), "tool"))
	assert.Equal(t, []Frame{TextFrame("answer", "fine"), EndFrame("answer")}, framesFor(dest.Frames(), "answer"))

	st, _ := m.State("tool")
	assert.Equal(t, SourceErrored, st)
	snap := obs.snapshot()
	assert.Equal(t, 2, snap.started)
	assert.Equal(t, map[string]int{"errored": 1, "ended": 1}, snap.finished)
}

func TestMultiplexer_FlushesTrailingFragmentOnEnd(t *testing.T) {
	dest := NewBufferDestination()
	m := NewMultiplexer(dest)
	_, err := m.Register("a", FromStrings(`data: {"s":"a","d":"x"}`+"\n\n", `data: {"s":"a","d":"tail"}`))
	require.NoError(t, err)
	require.NoError(t, m.Join(joinCtx(t)))

	assert.Equal(t, []Frame{TextFrame("a", "x"), TextFrame("a", "tail"), EndFrame("a")}, dest.Frames())
}

func TestMultiplexer_MalformedAndInBandFrames(t *testing.T) {
	dest := NewBufferDestination()
	obs := newRecordingObserver()
	m := NewMultiplexer(dest, WithObserver(obs))

	st := types.Status{ID: "search", Summary: "3 documents", InProgress: true}
	stream := "data: {broken\n\n" +
		wire(t,
			StatusFrame(st),
			TextFrame("whatever", "retagged"),
			EndFrame("spoofed"),
			ErrorFrame("spoofed"),
		)
	_, err := m.Register("rag", FromStrings(stream))
	require.NoError(t, err)
	require.NoError(t, m.Join(joinCtx(t)))

	assert.Equal(t, []Frame{StatusFrame(st), TextFrame("rag", "retagged"), EndFrame("rag")}, dest.Frames())
	assert.Equal(t, 1, obs.snapshot().decodeErrs)
}

func TestMultiplexer_SafeWriteAfterClose(t *testing.T) {
	dest := NewBufferDestination()
	obs := newRecordingObserver()
	m := NewMultiplexer(dest, WithObserver(obs))
	m.CloseDestination()
	assert.True(t, m.DestinationClosed())

	for _, id := range []string{"a", "b", "c"} {
		stream := wire(t, TextFrame(id, "1"), TextFrame(id, "2"))
		_, err := m.Register(id, FromStrings(splitEvery(stream, 4)...))
		require.NoError(t, err)
	}
	require.NoError(t, m.Join(joinCtx(t)))

	assert.False(t, m.EmitResultEnd())
	assert.Zero(t, dest.Writes())
	assert.Equal(t, 3*3+1, obs.snapshot().dropped)
}

func TestMultiplexer_DestinationClosedMidStream(t *testing.T) {
	dest := NewBufferDestination()
	m := NewMultiplexer(dest)

	ch := make(chan Chunk)
	_, err := m.Register("a", FromChannel(ch))
	require.NoError(t, err)

	ch <- Chunk{Data: []byte(wire(t, TextFrame("a", "1")))}
	assert.Eventually(t, func() bool { return dest.Writes() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, dest.Close())
	ch <- Chunk{Data: []byte(wire(t, TextFrame("a", "2")))}
	close(ch)
	require.NoError(t, m.Join(joinCtx(t)))

	assert.Equal(t, 1, dest.Writes())
	assert.True(t, m.DestinationClosed())
}

type failingWriter struct{ calls int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.calls++
	return 0, errors.New("broken pipe")
}

func TestMultiplexer_WriteErrorMarksClosed(t *testing.T) {
	w := &failingWriter{}
	m := NewMultiplexer(w)
	assert.False(t, m.Emit(TextFrame("a", "x")))
	assert.False(t, m.Emit(TextFrame("a", "y")))
	assert.Equal(t, 1, w.calls)
}

type gatedWriter struct {
	BufferDestination
	writable bool
}

func (p *gatedWriter) Writable() bool { return p.writable }

func TestMultiplexer_WritabilityCheck(t *testing.T) {
	p := &gatedWriter{}
	m := NewMultiplexer(p)
	assert.False(t, m.Emit(TextFrame("a", "x")))
	p.writable = true
	assert.True(t, m.Emit(TextFrame("a", "x")))
	assert.Equal(t, 1, p.Writes())
}

type doneWriter struct {
	BufferDestination
	done chan struct{}
}

func (d *doneWriter) Done() <-chan struct{} { return d.done }

func TestMultiplexer_DoneSignalClosesDestination(t *testing.T) {
	d := &doneWriter{done: make(chan struct{})}
	m := NewMultiplexer(d)
	assert.True(t, m.Emit(TextFrame("a", "x")))
	close(d.done)
	assert.False(t, m.Emit(TextFrame("a", "y")))
	assert.True(t, m.DestinationClosed())
	assert.Equal(t, 1, d.Writes())
}

func TestMultiplexer_RemoveResolvesSource(t *testing.T) {
	dest := NewBufferDestination()
	m := NewMultiplexer(dest)

	ch := make(chan Chunk)
	h, err := m.Register("hung", FromChannel(ch))
	require.NoError(t, err)
	assert.Equal(t, []string{"hung"}, m.Sources())

	require.NoError(t, m.Remove("hung"))
	assert.True(t, isClosed(h.Done()))
	require.NoError(t, m.Join(joinCtx(t)))

	st, ok := m.State("hung")
	require.True(t, ok)
	assert.Equal(t, SourceEnded, st)
	assert.Empty(t, dest.Frames(), "removal writes no frame")

	assert.ErrorIs(t, m.Remove("hung"), ErrSourceNotFound)
	done, ok := m.Done("hung")
	require.True(t, ok)
	assert.True(t, isClosed(done))
	_, ok = m.Done("never")
	assert.False(t, ok)
}

func TestMultiplexer_DetachAfterReRegister(t *testing.T) {
	m := NewMultiplexer(NewBufferDestination())

	old, err := m.Register("a", FromChannel(make(chan Chunk)))
	require.NoError(t, err)
	old.Detach()

	fresh, err := m.Register("a", FromChannel(make(chan Chunk)))
	require.NoError(t, err)

	// 旧句柄不能摘除同名的新来源。
	old.Detach()
	assert.False(t, isClosed(fresh.Done()))
	assert.Equal(t, []string{"a"}, m.Sources())

	fresh.Detach()
	require.NoError(t, m.Join(joinCtx(t)))
}

func TestMultiplexer_RegisterValidation(t *testing.T) {
	m := NewMultiplexer(NewBufferDestination())
	for _, id := range []string{"", TagMeta, TagResult} {
		_, err := m.Register(id, FromStrings())
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest), id)
	}
	_, err := m.Register("a", nil)
	assert.Error(t, err)

	_, err = m.Register("dup", FromChannel(make(chan Chunk)))
	require.NoError(t, err)
	_, err = m.Register("dup", FromStrings())
	assert.ErrorIs(t, err, ErrSourceExists)

	m.Close()
	require.NoError(t, m.Join(joinCtx(t)))
	assert.True(t, m.DestinationClosed())
}

func TestMultiplexer_OutOfOrderAndEmitters(t *testing.T) {
	dest := NewBufferDestination()
	m := NewMultiplexer(dest, WithOutOfOrder())

	st := types.Status{ID: "plan", Message: "thinking", InProgress: true}
	assert.True(t, m.EmitStatus(st))
	require.NoError(t, m.EmitState(map[string]any{"aliases": map[string]string{"a": "b"}}))
	require.NoError(t, m.EmitResult(map[string]string{"text": "done"}))
	assert.True(t, m.EmitResultEnd())
	require.Error(t, m.EmitResult(func() {}))

	want := "data: {\"s\":\"meta\",\"m\":\"out_of_order\"}\n\n" +
		"data: {\"s\":\"meta\",\"st\":{\"id\":\"plan\",\"message\":\"thinking\",\"inProgress\":true}}\n\n" +
		"data: {\"s\":\"meta\",\"state\":{\"aliases\":{\"a\":\"b\"}}}\n\n" +
		"data: {\"s\":\"result\",\"d\":{\"text\":\"done\"}}\n\n" +
		"data: {\"s\":\"result\",\"type\":\"end\"}\n\n"
	assert.Equal(t, want, dest.String())
}

func TestMultiplexer_NormalizerAndTransforms(t *testing.T) {
	dest := NewBufferDestination()
	m := NewMultiplexer(dest, WithSourceTransforms(Transform{Kind: TransformNormalizeNewlines}))

	openai := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\\r\\n\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	_, err := m.Register("oa", FromStrings(openai), WithNormalizer(NormalizerOpenAI))
	require.NoError(t, err)

	anthropic := wire(t,
		DataFrame("x", json.RawMessage(`{"type":"message_start","message":{}}`)),
		DataFrame("x", json.RawMessage(`{"type":"content_block_delta","delta":{"text":"Hi"}}`)),
	)
	_, err = m.Register("an", FromStrings(anthropic), WithNormalizer(NormalizerAnthropic))
	require.NoError(t, err)

	require.NoError(t, m.Join(joinCtx(t)))

	frames := dest.Frames()
	assert.Equal(t, []Frame{TextFrame("oa", "Hel\n"), TextFrame("oa", "lo"), EndFrame("oa")}, framesFor(frames, "oa"))
	assert.Equal(t, []Frame{TextFrame("an", "Hi"), EndFrame("an")}, framesFor(frames, "an"))
	assert.Equal(t, Entry{Text: "Hel\nlo", Deltas: 2}, m.Snapshot()["oa"])
}

func TestMultiplexer_SourceSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := NewMultiplexer(NewBufferDestination(), WithTracer(tp.Tracer("test")))
	_, err := m.Register("ok", FromStrings(wire(t, TextFrame("ok", "1"))))
	require.NoError(t, err)
	ch := make(chan Chunk, 1)
	ch <- Chunk{Err: errors.New("boom")}
	_, err = m.Register("bad", FromChannel(ch))
	require.NoError(t, err)
	require.NoError(t, m.Join(joinCtx(t)))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	states := map[string]string{}
	for _, s := range spans {
		assert.Equal(t, "streaming.source", s.Name())
		var id, state string
		for _, kv := range s.Attributes() {
			switch kv.Key {
			case attribute.Key("source.id"):
				id = kv.Value.AsString()
			case attribute.Key("source.state"):
				state = kv.Value.AsString()
			}
		}
		states[id] = state
	}
	assert.Equal(t, map[string]string{"ok": "ended", "bad": "errored"}, states)
}

func TestMultiplexer_SourceSpansFollowParent(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reqCtx, reqSpan := tp.Tracer("http").Start(context.Background(), "POST /v1/stream/fanin")
	m := NewMultiplexer(NewBufferDestination(), WithTracer(tp.Tracer("test")), WithParentSpan(reqCtx))
	_, err := m.Register("a", FromStrings(wire(t, TextFrame("a", "x"))))
	require.NoError(t, err)
	require.NoError(t, m.Join(joinCtx(t)))
	reqSpan.End()

	var child sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "streaming.source" {
			child = s
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, reqSpan.SpanContext().TraceID(), child.SpanContext().TraceID())
	assert.Equal(t, reqSpan.SpanContext().SpanID(), child.Parent().SpanID())
}

func TestMultiplexer_ForwardsMetaVerbatim(t *testing.T) {
	dest := NewBufferDestination()
	m := NewMultiplexer(dest)

	meta := `{"s":"meta","st":{"summary":"searching","icon":"db"},"sticky":true}`
	_, err := m.Register("rag", FromStrings("data: "+meta+"\n\n", wire(t, TextFrame("rag", "x"))))
	require.NoError(t, err)
	require.NoError(t, m.Join(joinCtx(t)))

	assert.Equal(t, "data: "+meta+"\n\n"+wire(t, TextFrame("rag", "x"), EndFrame("rag")), dest.String())
}
