package eventbridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus is a Bus backed by redis pub/sub. Subjects map directly to
// redis channels; subscription patterns are widened to redis globs and
// re-checked with MatchSubject before dispatch, because a redis "*"
// crosses token boundaries.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// NewRedisBus creates a redis-backed bus.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client: client,
		logger: logger.With(zap.String("component", "redis_bus")),
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, subject, raw).Err()
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(pattern string, h Handler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.PSubscribe(ctx, redisGlob(pattern))

	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !MatchSubject(pattern, msg.Channel) {
					continue
				}
				var payload map[string]any
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					b.logger.Warn("dropping malformed event",
						zap.String("subject", msg.Channel),
						zap.Error(err),
					)
					continue
				}
				h(ctx, msg.Channel, payload)
			}
		}
	}()

	return func() {
		cancel()
		if err := pubsub.Close(); err != nil {
			b.logger.Debug("closing subscription", zap.Error(err))
		}
	}, nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()
	return nil
}

// redisGlob widens a subject pattern to a redis glob that matches a
// superset of the pattern's subjects.
func redisGlob(pattern string) string {
	tokens := strings.Split(pattern, ".")
	for i, t := range tokens {
		if t == ">" {
			tokens[i] = "*"
		}
	}
	return strings.Join(tokens, ".")
}
