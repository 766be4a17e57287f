// Package bus provides fire-and-forget pub/sub planes used for wake
// notifications and workflow messages.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/durable/model"
)

// subscriptionBuffer bounds how many undelivered payloads a subscriber may
// hold before new ones are dropped.
const subscriptionBuffer = 64

// --- Memory ---

// Memory is an in-process Bus. Publishing never blocks: a subscriber whose
// buffer is full misses the payload.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish delivers payload to every current subscriber of subject.
func (b *Memory) Publish(_ context.Context, subject string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for sub := range b.subs[subject] {
		select {
		case sub.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber on subject. The subscription closes when
// ctx is done.
func (b *Memory) Subscribe(ctx context.Context, subject string) (model.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	sub := &memorySub{bus: b, subject: subject, ch: make(chan []byte, subscriptionBuffer)}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]struct{})
	}
	b.subs[subject][sub] = struct{}{}
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

// Close closes every subscription.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = nil
	return nil
}

type memorySub struct {
	bus     *Memory
	subject string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set := s.bus.subs[s.subject]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}

// --- Redis ---

// Redis is a Bus on Redis pub/sub.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a bus publishing through client. The client is owned by
// the caller.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Publish sends payload on the channel named subject.
func (b *Redis) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", subject, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and waits for the server to confirm
// it, so payloads published after Subscribe returns are seen.
func (b *Redis) Subscribe(ctx context.Context, subject string) (model.Subscription, error) {
	ps := b.client.Subscribe(ctx, subject)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", subject, err)
	}
	sub := &redisSub{ps: ps, ch: make(chan []byte, subscriptionBuffer), done: make(chan struct{})}
	go sub.forward()
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

// Close is a no-op: the client belongs to the caller.
func (b *Redis) Close() error { return nil }

type redisSub struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) forward() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			default:
			}
		}
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
