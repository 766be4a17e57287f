package model

import (
	"context"
)

// Subjects used on the bus.
const (
	WakeSubject          = "durable.wake"
	messageSubjectPrefix = "durable.msg."
)

// Bus is a fire-and-forget pub/sub plane. Subscribers only see messages
// published after they subscribe and must tolerate duplicates.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string) (Subscription, error)
	Close() error
}

// Subscription is an open subject subscription.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// MessageSubject returns the subject a message named name with tags is
// published on.
func MessageSubject(name string, tags map[string]string) string {
	return messageSubjectPrefix + name + "." + HashTags(tags)
}
