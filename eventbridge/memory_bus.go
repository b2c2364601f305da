package eventbridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/types"
)

type memorySub struct {
	id      int
	pattern string
	handler Handler
}

// MemoryBus is an in-process Bus. Handlers run synchronously on the
// publisher's goroutine, so tests observe deterministic ordering.
type MemoryBus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   []memorySub
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{logger: logger.With(zap.String("component", "memory_bus"))}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload map[string]any) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.NewError(types.ErrInternalError, "bus is closed")
	}
	var matched []Handler
	for _, sub := range b.subs {
		if MatchSubject(sub.pattern, subject) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ctx, subject, payload)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(pattern string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, types.NewError(types.ErrInternalError, "bus is closed")
	}
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, memorySub{id: id, pattern: pattern, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.closed = true
	return nil
}
