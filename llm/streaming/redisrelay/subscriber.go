package redisrelay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/streamgate/llm/streaming"
	"github.com/BaSui01/streamgate/types"
)

// Subscriber adapts one relay channel to streaming.Upstream.
type Subscriber struct {
	pubsub      *redis.PubSub
	messages    <-chan *redis.Message
	channel     string
	idleTimeout time.Duration
	logger      *zap.Logger

	closeOnce sync.Once
	watch     sync.Once
	done      bool
}

var _ streaming.Upstream = (*Subscriber)(nil)

// SubscribeOption configures a Subscriber.
type SubscribeOption func(*Subscriber)

// WithIdleTimeout fails the stream when no message arrives within d.
func WithIdleTimeout(d time.Duration) SubscribeOption {
	return func(s *Subscriber) { s.idleTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) SubscribeOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Subscribe subscribes to channel and waits for the confirmation, so nothing
// published after it returns is missed.
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string, opts ...SubscribeOption) (*Subscriber, error) {
	s := &Subscriber{channel: channel, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "relay_subscriber"), zap.String("channel", channel))

	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, types.NewError(types.ErrServiceUnavailable, "relay subscribe failed").
			WithCause(err).WithRetryable(true).WithSource(channel)
	}
	s.pubsub = ps
	s.messages = ps.Channel()
	return s, nil
}

// Channel returns the subscribed channel name.
func (s *Subscriber) Channel() string { return s.channel }

// Next implements streaming.Upstream. An end envelope yields io.EOF; an error
// envelope yields an UPSTREAM_ERROR. Undecodable messages are logged and
// skipped.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.watch.Do(func() {
		// 来源被移除时取消订阅，解除阻塞。
		context.AfterFunc(ctx, func() { _ = s.Close() })
	})

	var idle <-chan time.Time
	if s.idleTimeout > 0 {
		timer := time.NewTimer(s.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle:
			s.finish()
			return nil, types.NewError(types.ErrUpstreamTimeout,
				fmt.Sprintf("no relay message within %s", s.idleTimeout)).WithSource(s.channel)
		case msg, ok := <-s.messages:
			if !ok {
				s.finish()
				return nil, io.EOF
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("skipping malformed relay message", zap.Error(err))
				continue
			}
			switch env.Kind {
			case KindData:
				if len(env.Payload) == 0 {
					continue
				}
				return env.Payload, nil
			case KindEnd:
				s.finish()
				return nil, io.EOF
			default:
				s.finish()
				return nil, types.NewError(types.ErrUpstreamError, env.Error).WithSource(s.channel)
			}
		}
	}
}

func (s *Subscriber) finish() {
	s.done = true
	_ = s.Close()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

// Opener opens relay subscriptions for the sources of one request.
type Opener struct {
	client      redis.UniversalClient
	prefix      string
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewOpener creates an Opener using channels "<prefix>:<request>:<source>".
func NewOpener(client redis.UniversalClient, prefix string, idleTimeout time.Duration, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{client: client, prefix: prefix, idleTimeout: idleTimeout, logger: logger}
}

// Open subscribes to the channel of one source.
func (o *Opener) Open(ctx context.Context, requestID, sourceID string) (streaming.Upstream, error) {
	sub, err := Subscribe(ctx, o.client, ChannelName(o.prefix, requestID, sourceID),
		WithIdleTimeout(o.idleTimeout),
		WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
