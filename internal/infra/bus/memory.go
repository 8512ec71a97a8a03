package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultQueueCapacity = 4096
	DefaultMaxDeliver    = 5
)

// Memory is an in-process MessageBus. Each group owns one bounded queue that
// its subscribers compete for. A handler error puts the message back on the
// group queue until it has been attempted maxDeliver times.
type Memory struct {
	capacity   int
	maxDeliver int
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	groups map[string]*memoryGroup
	wg     sync.WaitGroup
}

type memoryGroup struct {
	name     string
	patterns []string
	queue    *queue
	members  int
}

func NewMemory(capacity, maxDeliver int, logger *zap.Logger) *Memory {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if maxDeliver <= 0 {
		maxDeliver = DefaultMaxDeliver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		capacity:   capacity,
		maxDeliver: maxDeliver,
		logger:     logger.With(zap.String("component", "memory_bus")),
		groups:     make(map[string]*memoryGroup),
	}
}

func (b *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.ErrBusClosed
	}

	payload := append([]byte(nil), data...)
	for _, group := range b.groups {
		if !group.matches(subject) {
			continue
		}
		if err := group.queue.TryPublish(envelope{msg: domain.Message{Subject: subject, Data: payload}}); err != nil {
			return fmt.Errorf("publish %s to group %s: %w", subject, group.name, err)
		}
	}
	return nil
}

// Subscribe joins group for the given subject patterns. Patterns use NATS
// wildcards: '*' matches one token and a trailing '>' matches the rest.
func (b *Memory) Subscribe(ctx context.Context, subjects []string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if len(subjects) == 0 {
		return nil, errors.New("subscribe: no subjects")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.ErrBusClosed
	}
	g, ok := b.groups[group]
	if !ok {
		g = &memoryGroup{name: group, queue: newQueue(b.capacity)}
		b.groups[group] = g
	}
	g.addPatterns(subjects)
	g.members++
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{bus: b, group: g, cancel: cancel, done: make(chan struct{})}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(sub.done)
		g.queue.Run(subCtx, func(e envelope) {
			b.deliver(subCtx, g, handler, e)
		})
	}()
	return sub, nil
}

func (b *Memory) deliver(ctx context.Context, g *memoryGroup, handler domain.MessageHandler, e envelope) {
	e.attempts++
	err := handler(ctx, e.msg)
	if err == nil {
		return
	}
	if e.attempts >= b.maxDeliver {
		b.logger.Error("message dropped after max deliveries",
			zap.String("group", g.name),
			zap.String("subject", e.msg.Subject),
			zap.Int("attempts", e.attempts),
			zap.Error(err),
		)
		return
	}
	if rerr := g.queue.TryPublish(e); rerr != nil {
		b.logger.Warn("message redelivery failed",
			zap.String("group", g.name),
			zap.String("subject", e.msg.Subject),
			zap.Error(rerr),
		)
	}
}

func (b *Memory) leave(g *memoryGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g.members--
	if g.members > 0 {
		return
	}
	if current, ok := b.groups[g.name]; ok && current == g {
		delete(b.groups, g.name)
	}
	g.queue.Close()
}

// Close stops every subscription and waits for in-flight handlers.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, g := range b.groups {
		g.queue.Close()
		delete(b.groups, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

type memorySubscription struct {
	bus    *Memory
	group  *memoryGroup
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.bus.leave(s.group)
	})
	return nil
}

func (g *memoryGroup) addPatterns(patterns []string) {
	for _, pattern := range patterns {
		exists := false
		for _, current := range g.patterns {
			if current == pattern {
				exists = true
				break
			}
		}
		if !exists {
			g.patterns = append(g.patterns, pattern)
		}
	}
}

func (g *memoryGroup) matches(subject string) bool {
	for _, pattern := range g.patterns {
		if subjectMatches(pattern, subject) {
			return true
		}
	}
	return false
}

func subjectMatches(pattern, subject string) bool {
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for i, token := range pTokens {
		if token == ">" {
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if token != "*" && token != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
