package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/pitabwire/durable/model"
)

// NATS is a Bus on core NATS subjects.
type NATS struct {
	conn  *nats.Conn
	owned bool
}

// ConnectNATS dials url and returns a bus that closes the connection on
// Close.
func ConnectNATS(url string, opts ...nats.Option) (*NATS, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{conn: conn, owned: true}, nil
}

// NewNATS wraps an existing connection owned by the caller.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Publish sends payload on subject.
func (b *NATS) Publish(_ context.Context, subject string, payload []byte) error {
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %q: %w", subject, err)
	}
	return nil
}

// Subscribe registers interest in subject. The subscription is flushed to
// the server before returning.
func (b *NATS) Subscribe(ctx context.Context, subject string) (model.Subscription, error) {
	sub := &natsSub{ch: make(chan []byte, subscriptionBuffer)}
	s, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		select {
		case sub.ch <- m.Data:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %q: %w", subject, err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = s.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	sub.sub = s
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

// Close drains the connection if the bus dialed it.
func (b *NATS) Close() error {
	if !b.owned {
		return nil
	}
	return b.conn.Drain()
}

type natsSub struct {
	sub    *nats.Subscription
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

func (s *natsSub) Messages() <-chan []byte { return s.ch }

func (s *natsSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return s.sub.Unsubscribe()
}
