package domain

import (
	"context"
	"errors"
)

var ErrBusClosed = errors.New("bus closed")

type Message struct {
	Subject string
	Data    []byte
}

// MessageHandler returns a non-nil error to have the message redelivered.
type MessageHandler func(ctx context.Context, msg Message) error

type Subscription interface {
	Unsubscribe() error
}

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// MessageBus delivers at least once. Subscribers sharing a group compete for
// messages, distinct groups each receive a copy.
type MessageBus interface {
	Publisher
	Subscribe(ctx context.Context, subjects []string, group string, handler MessageHandler) (Subscription, error)
	Close() error
}
