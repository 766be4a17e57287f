package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/durable/model"
)

// WakeSub subscribes to wake notifications on b and collapses them into a
// channel of empty values. The channel closes when ctx is done.
func WakeSub(ctx context.Context, b model.Bus) (<-chan struct{}, error) {
	sub, err := b.Subscribe(ctx, model.WakeSubject)
	if err != nil {
		return nil, fmt.Errorf("subscribe wake: %w", err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.Messages():
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// PublishWake tells other workers a wake condition may be satisfied. Wake
// notifications are best effort, so failures are only logged.
func PublishWake(ctx context.Context, b model.Bus, log *zap.Logger) {
	if err := b.Publish(ctx, model.WakeSubject, nil); err != nil {
		log.Warn("publish wake failed", zap.Error(err))
	}
}

// PublishMessage encodes msg and publishes it on its subject. Bus failures
// wrap model.ErrPublish.
func PublishMessage(ctx context.Context, b model.Bus, msg model.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w: %w", msg.Name, model.ErrPublish, err)
	}
	if err := b.Publish(ctx, model.MessageSubject(msg.Name, msg.Tags), payload); err != nil {
		return fmt.Errorf("publish message %s: %w: %w", msg.Name, model.ErrPublish, err)
	}
	return nil
}
