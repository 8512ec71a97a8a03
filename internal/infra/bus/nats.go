package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NasaVasa/shardalerts/internal/config"
	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	streamWindows = "WINDOWS"
	streamAlerts  = "ALERTS"
	deliverPrefix = "shardalerts.deliver."
)

// NATS is a JetStream backed MessageBus. Every subscribed subject is bound to
// a durable queue consumer with explicit acks; a handler error naks the
// message so the server redelivers it.
type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    config.NATSConfig
	logger *zap.Logger

	subsMu sync.Mutex
	subs   map[*natsSubscription]struct{}
	closed bool
}

func NewNATS(cfg config.NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "nats"))

	opts := []nats.Option{
		nats.Name("shardalerts"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	n := &NATS{
		conn:   conn,
		js:     js,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*natsSubscription]struct{}),
	}
	if err := n.initializeStreams(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize streams: %w", err)
	}
	return n, nil
}

func (n *NATS) initializeStreams() error {
	// Windows are only useful while fresh.
	_, err := n.js.AddStream(&nats.StreamConfig{
		Name:     streamWindows,
		Subjects: []string{domain.SubjectWindowsAll},
		Storage:  nats.MemoryStorage,
		MaxAge:   time.Hour,
		MaxMsgs:  1000000,
		Replicas: 1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create WINDOWS stream: %w", err)
	}

	_, err = n.js.AddStream(&nats.StreamConfig{
		Name:     streamAlerts,
		Subjects: []string{domain.SubjectChangesAll, domain.SubjectTriggered},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		Replicas: 1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create ALERTS stream: %w", err)
	}
	return nil
}

func (n *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := n.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, subjects []string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if len(subjects) == 0 {
		return nil, errors.New("subscribe: no subjects")
	}

	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	if n.closed {
		return nil, domain.ErrBusClosed
	}

	sub := &natsSubscription{owner: n}
	for _, subject := range subjects {
		stream, cfg := n.consumerConfig(group, subject)
		if err := n.ensureConsumer(stream, cfg); err != nil {
			sub.stop()
			return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
		}

		js, err := n.js.QueueSubscribe(subject, group, sub.callback(ctx, handler),
			nats.Bind(stream, cfg.Durable),
			nats.ManualAck(),
		)
		if err != nil {
			sub.stop()
			return nil, fmt.Errorf("subscribe %s in group %s: %w", subject, group, err)
		}
		sub.subs = append(sub.subs, js)
	}

	n.subs[sub] = struct{}{}
	n.logger.Info("nats subscription started", zap.String("group", group), zap.Strings("subjects", subjects))
	return sub, nil
}

// consumerConfig describes the durable push consumer backing one subject of a
// queue group. Windows start from new messages, alert streams from the
// first unacked one.
func (n *NATS) consumerConfig(group, subject string) (string, *nats.ConsumerConfig) {
	durable := durableName(group, subject)
	stream := streamAlerts
	deliver := nats.DeliverAllPolicy
	if strings.HasPrefix(subject, domain.SubjectWindowPrefix) {
		stream = streamWindows
		deliver = nats.DeliverNewPolicy
	}
	return stream, &nats.ConsumerConfig{
		Durable:        durable,
		DeliverSubject: deliverPrefix + durable,
		DeliverGroup:   group,
		DeliverPolicy:  deliver,
		FilterSubject:  subject,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        n.cfg.AckWait,
		MaxDeliver:     n.cfg.MaxDeliver,
	}
}

// ensureConsumer creates the durable consumer unless it already exists.
// Subscriptions bind to it, so unsubscribing never deletes it.
func (n *NATS) ensureConsumer(stream string, cfg *nats.ConsumerConfig) error {
	_, err := n.js.ConsumerInfo(stream, cfg.Durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return err
	}
	_, err = n.js.AddConsumer(stream, cfg)
	return err
}

// Close drains the connection. Durable consumers stay on the server so the
// next process resumes from the last acked message.
func (n *NATS) Close() error {
	n.subsMu.Lock()
	if n.closed {
		n.subsMu.Unlock()
		return nil
	}
	n.closed = true
	subs := make([]*natsSubscription, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.subs = make(map[*natsSubscription]struct{})
	n.subsMu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	n.conn.Close()
	return nil
}

func (n *NATS) forget(sub *natsSubscription) {
	n.subsMu.Lock()
	delete(n.subs, sub)
	n.subsMu.Unlock()
}

type natsSubscription struct {
	owner *NATS
	subs  []*nats.Subscription

	mu      sync.RWMutex
	stopped bool
	active  sync.WaitGroup
}

type ackAction int

const (
	ackNone ackAction = iota
	ackOK
	ackRetry
)

func (s *natsSubscription) callback(ctx context.Context, handler domain.MessageHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		switch s.deliver(ctx, handler, domain.Message{Subject: m.Subject, Data: m.Data}) {
		case ackOK:
			if err := m.Ack(); err != nil {
				s.owner.logger.Warn("ack failed", zap.String("subject", m.Subject), zap.Error(err))
			}
		case ackRetry:
			if err := m.Nak(); err != nil {
				s.owner.logger.Warn("nak failed", zap.String("subject", m.Subject), zap.Error(err))
			}
		}
	}
}

// deliver runs the handler unless the subscription is stopping. A message
// seen while stopping is left unacked so the server redelivers it after
// AckWait without spending its delivery budget on immediate naks.
func (s *natsSubscription) deliver(ctx context.Context, handler domain.MessageHandler, msg domain.Message) ackAction {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ackNone
	}
	s.active.Add(1)
	s.mu.RUnlock()
	defer s.active.Done()

	if err := handler(ctx, msg); err != nil {
		s.owner.logger.Warn("message handler failed, requesting redelivery",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return ackRetry
	}
	return ackOK
}

// Unsubscribe stops local delivery, drains the underlying subscriptions and
// waits for running handlers. The durable consumers stay on the server.
func (s *natsSubscription) Unsubscribe() error {
	s.stop()
	s.owner.forget(s)
	return nil
}

func (s *natsSubscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	for _, js := range s.subs {
		if err := js.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.owner.logger.Warn("drain subscription failed", zap.String("subject", js.Subject), zap.Error(err))
		}
	}
	s.active.Wait()
}

func durableName(group, subject string) string {
	replacer := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return replacer.Replace(group + "_" + subject)
}
