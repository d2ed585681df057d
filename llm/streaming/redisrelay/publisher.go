package redisrelay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/streamgate/llm/streaming"
)

// Publisher is the worker side of a relay channel.
type Publisher struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(client redis.UniversalClient, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger.With(zap.String("component", "relay_publisher")),
	}
}

// PublishChunk sends one raw chunk.
func (p *Publisher) PublishChunk(ctx context.Context, channel string, chunk []byte) error {
	return p.publish(ctx, channel, Envelope{Kind: KindData, Payload: chunk})
}

// PublishEnd marks the natural end of the stream.
func (p *Publisher) PublishEnd(ctx context.Context, channel string) error {
	return p.publish(ctx, channel, Envelope{Kind: KindEnd})
}

// PublishError terminates the stream abnormally.
func (p *Publisher) PublishError(ctx context.Context, channel, message string) error {
	return p.publish(ctx, channel, Envelope{Kind: KindError, Error: message})
}

func (p *Publisher) publish(ctx context.Context, channel string, env Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("relay publish failed", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("relay publish failed: %w", err)
	}
	return nil
}

// Relay pumps up onto channel until it terminates and publishes the matching
// end or error envelope. It returns the upstream error, if any.
func (p *Publisher) Relay(ctx context.Context, channel string, up streaming.Upstream) error {
	h := &relayHandler{ctx: ctx, p: p, channel: channel}
	streaming.Pump(ctx, up, h)
	if err := ctx.Err(); err != nil && h.err == nil {
		return err
	}
	return h.err
}

type relayHandler struct {
	ctx     context.Context
	p       *Publisher
	channel string
	err     error
}

func (h *relayHandler) OnData(chunk []byte) {
	if h.err != nil {
		return
	}
	h.err = h.p.PublishChunk(h.ctx, h.channel, chunk)
}

func (h *relayHandler) OnEnd() {
	h.err = errors.Join(h.err, h.p.PublishEnd(h.ctx, h.channel))
}

func (h *relayHandler) OnError(err error) {
	pubErr := h.p.PublishError(h.ctx, h.channel, err.Error())
	h.err = errors.Join(err, pubErr)
}

// Writer returns an io.Writer publishing every Write as one chunk, so a
// provider response body can be copied straight onto the channel.
func (p *Publisher) Writer(ctx context.Context, channel string) io.Writer {
	return chunkWriter{ctx: ctx, p: p, channel: channel}
}

type chunkWriter struct {
	ctx     context.Context
	p       *Publisher
	channel string
}

func (w chunkWriter) Write(b []byte) (int, error) {
	chunk := make([]byte, len(b))
	copy(chunk, b)
	if err := w.p.PublishChunk(w.ctx, w.channel, chunk); err != nil {
		return 0, err
	}
	return len(b), nil
}
