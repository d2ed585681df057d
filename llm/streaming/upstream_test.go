package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerRecorder struct {
	chunks []string
	err    error
	ended  bool
}

func (h *handlerRecorder) OnData(chunk []byte) { h.chunks = append(h.chunks, string(chunk)) }
func (h *handlerRecorder) OnError(err error)   { h.err = err }
func (h *handlerRecorder) OnEnd()              { h.ended = true }

func TestPump_NaturalEnd(t *testing.T) {
	h := &handlerRecorder{}
	Pump(context.Background(), FromStrings("a", "", "b"), h)
	assert.Equal(t, []string{"a", "b"}, h.chunks)
	assert.True(t, h.ended)
	assert.NoError(t, h.err)
}

func TestPump_DataWithError(t *testing.T) {
	calls := 0
	up := UpstreamFunc(func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return []byte("last"), errors.New("reset")
		}
		return nil, io.EOF
	})
	h := &handlerRecorder{}
	Pump(context.Background(), up, h)
	assert.Equal(t, []string{"last"}, h.chunks)
	assert.EqualError(t, h.err, "reset")
	assert.False(t, h.ended)
}

func TestPump_CancelledHasNoTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &handlerRecorder{}
	Pump(ctx, FromChannel(make(chan Chunk)), h)
	assert.False(t, h.ended)
	assert.NoError(t, h.err)
}

type trackingReader struct {
	io.Reader
	closed atomic.Bool
}

func (r *trackingReader) Close() error {
	r.closed.Store(true)
	return nil
}

func TestFromReader(t *testing.T) {
	r := &trackingReader{Reader: strings.NewReader("abcdefg")}
	h := &handlerRecorder{}
	Pump(context.Background(), FromReader(r, 3), h)

	assert.Equal(t, []string{"abc", "def", "g"}, h.chunks)
	assert.True(t, h.ended)
	assert.True(t, r.closed.Load())
}

// blockingReader 在关闭前一直阻塞。
type blockingReader struct {
	closed chan struct{}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.ErrClosedPipe
}

func (r *blockingReader) Close() error {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
	return nil
}

func TestFromReader_RemovalUnblocksRead(t *testing.T) {
	r := &blockingReader{closed: make(chan struct{})}
	m := NewMultiplexer(NewBufferDestination())
	_, err := m.Register("slow", FromReader(r, 0))
	require.NoError(t, err)

	require.NoError(t, m.Remove("slow"))
	require.NoError(t, m.Join(joinCtx(t)))
	<-r.closed
}

func TestFromChannel(t *testing.T) {
	ch := make(chan Chunk, 3)
	ch <- Chunk{Data: []byte("x")}
	ch <- Chunk{Data: []byte("y")}
	close(ch)

	h := &handlerRecorder{}
	Pump(context.Background(), FromChannel(ch), h)
	assert.Equal(t, []string{"x", "y"}, h.chunks)
	assert.True(t, h.ended)
}
