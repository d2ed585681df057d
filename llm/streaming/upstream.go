package streaming

import (
	"context"
	"errors"
	"io"
)

// Upstream is one raw per-source text stream.
//
// Next blocks until the next chunk is available. io.EOF marks the natural
// end of the stream; any other error is an abnormal termination. A chunk and
// an error may be returned together.
type Upstream interface {
	Next(ctx context.Context) ([]byte, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context) ([]byte, error)

// Next implements Upstream.
func (f UpstreamFunc) Next(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Handler is the fixed capability set a source's events are delivered to.
type Handler interface {
	OnData(chunk []byte)
	OnError(err error)
	OnEnd()
}

// Pump drives up until it terminates, translating it into Handler events.
// Exactly one of OnEnd or OnError is called, unless ctx is cancelled first,
// in which case Pump returns without a terminal event.
func Pump(ctx context.Context, up Upstream, h Handler) {
	for {
		chunk, err := up.Next(ctx)
		if len(chunk) > 0 && ctx.Err() == nil {
			h.OnData(chunk)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			h.OnEnd()
		} else {
			h.OnError(err)
		}
		return
	}
}

// Chunk is one element of a channel-backed upstream.
type Chunk struct {
	Data []byte
	Err  error
}

// FromChannel adapts a channel. A closed channel is the natural end; a chunk
// with Err set terminates the stream with that error.
func FromChannel(ch <-chan Chunk) Upstream {
	return UpstreamFunc(func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return nil, io.EOF
			}
			return c.Data, c.Err
		}
	})
}

// DefaultReadChunkSize is the read size used by FromReader when size <= 0.
const DefaultReadChunkSize = 4096

// FromReader adapts an io.Reader such as an HTTP response body. If r is an
// io.Closer it is closed when the stream terminates or ctx is cancelled.
func FromReader(r io.Reader, size int) Upstream {
	if size <= 0 {
		size = DefaultReadChunkSize
	}
	return &readerUpstream{r: r, buf: make([]byte, size)}
}

type readerUpstream struct {
	r       io.Reader
	buf     []byte
	stopped bool
	watch   bool
}

func (u *readerUpstream) Next(ctx context.Context) ([]byte, error) {
	if u.stopped {
		return nil, io.EOF
	}
	if c, ok := u.r.(io.Closer); ok && !u.watch {
		u.watch = true
		// Unblocks a pending Read once the source is detached.
		context.AfterFunc(ctx, func() { _ = c.Close() })
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := u.r.Read(u.buf)
	var chunk []byte
	if n > 0 {
		chunk = make([]byte, n)
		copy(chunk, u.buf[:n])
	}
	if err != nil {
		u.stopped = true
		if c, ok := u.r.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return chunk, err
}

// FromStrings replays fixed chunks and then ends. Mostly useful in tests and
// for replaying captured streams.
func FromStrings(chunks ...string) Upstream {
	i := 0
	return UpstreamFunc(func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i >= len(chunks) {
			return nil, io.EOF
		}
		c := chunks[i]
		i++
		return []byte(c), nil
	})
}
