package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/model"
)

// Listen receives the next S signal addressed to this workflow. When none is
// queued the workflow yields with NO_SIGNAL_FOUND and is woken when one is
// published.
func Listen[T any](c *Ctx, sig *Signal[T]) (T, error) {
	var zero T
	data, err := c.ListenAny(sig.name)
	if err != nil {
		return zero, err
	}
	return decode[T]("body of signal "+sig.name, data.Body)
}

// ListenAny receives the oldest queued signal whose name is one of names.
// At least one name is required.
func (c *Ctx) ListenAny(names ...string) (*model.SignalData, error) {
	if len(names) == 0 {
		return nil, model.NewWorkflowFailureError(errors.New("listen needs at least one signal name"))
	}
	ev, err := c.cursor.CompareSignalRecv(c.version, names)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		c.cursor.Inc()
		return signalFromEvent(ev), nil
	}

	data, err := c.pullSignal(names)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, model.NewNoSignalFoundError(names)
	}
	c.cursor.Inc()
	return data, nil
}

// ListenWithTimeout is Listen with a deadline d from the first execution.
// It reports false when the deadline passed without a signal.
func ListenWithTimeout[T any](c *Ctx, sig *Signal[T], d time.Duration) (T, bool, error) {
	return ListenUntil(c, sig, c.now().Add(d))
}

// ListenUntil is Listen giving up at deadline. It reports false when the
// deadline passed without a signal. It occupies two history slots: a sleep
// followed by the received signal.
func ListenUntil[T any](c *Ctx, sig *Signal[T], deadline time.Time) (T, bool, error) {
	var zero T
	data, err := c.listenUntil([]string{sig.name}, deadline)
	if err != nil || data == nil {
		return zero, false, err
	}
	body, err := decode[T]("body of signal "+sig.name, data.Body)
	return body, err == nil, err
}

func (c *Ctx) listenUntil(names []string, deadline time.Time) (*model.SignalData, error) {
	ev, err := c.cursor.Compare(model.EventSleep, c.version, "")
	if err != nil {
		return nil, err
	}
	sleepLoc := c.cursor.CurrentLocation()
	state := model.SleepNormal
	if ev == nil {
		deadline = deadline.UTC().Truncate(time.Millisecond)
		if err := c.run.drv.CommitSleepEvent(c.ctx, c.run.id, c.ref(), deadline); err != nil {
			return nil, storage("commit sleep event", err)
		}
	} else {
		deadline = ev.Deadline
		state = ev.SleepState
	}
	c.cursor.Inc()

	switch state {
	case model.SleepCompleted:
		return nil, nil
	case model.SleepInterrupted:
		recv, err := c.cursor.CompareSignalRecv(c.version, names)
		if err != nil {
			return nil, err
		}
		if recv == nil {
			return nil, model.NewHistoryDivergedError(c.cursor.CurrentLocation(), "interrupted listen has no received signal")
		}
		c.cursor.Inc()
		return signalFromEvent(recv), nil
	}

	// A signal recorded without the sleep update means the previous run
	// stopped between the two writes.
	recv, err := c.cursor.CompareSignalRecv(c.version, names)
	if err != nil {
		return nil, err
	}
	var data *model.SignalData
	if recv != nil {
		data = signalFromEvent(recv)
	} else if data, err = c.pullSignal(names); err != nil {
		return nil, err
	}

	if data != nil {
		if err := c.run.drv.UpdateSleepEventState(c.ctx, c.run.id, sleepLoc, model.SleepInterrupted); err != nil {
			return nil, storage("update sleep event", err)
		}
		c.cursor.Inc()
		return data, nil
	}

	if !c.now().Before(deadline) {
		if err := c.run.drv.UpdateSleepEventState(c.ctx, c.run.id, sleepLoc, model.SleepCompleted); err != nil {
			return nil, storage("update sleep event", err)
		}
		return nil, nil
	}
	return nil, model.NewNoSignalFoundAndSleepError(names, deadline)
}

// pullSignal dequeues a signal into the current slot. It returns nil when
// nothing matches.
func (c *Ctx) pullSignal(names []string) (*model.SignalData, error) {
	start := time.Now()
	data, err := c.run.drv.PullNextSignal(c.ctx, c.run.id, model.SignalPullRequest{
		Ref:   c.ref(),
		Names: names,
	})
	if err != nil {
		return nil, storage("pull next signal", err)
	}
	if data != nil {
		c.run.opts.Metrics.RecordSignalRecv(data.Name, c.now().Sub(data.CreateTS), time.Since(start))
	}
	return data, nil
}

func signalFromEvent(ev *model.Event) *model.SignalData {
	return &model.SignalData{
		ID:       ev.SignalID,
		Name:     ev.Name,
		Body:     ev.Body,
		CreateTS: ev.CreateTS,
	}
}

// SignalSend builds a signal sent from inside a workflow.
type SignalSend[T any] struct {
	c          *Ctx
	sig        *Signal[T]
	body       T
	toWorkflow uuid.UUID
	toTags     map[string]string
}

// SendSignal starts building a signal. Address it with ToWorkflow or ToTags.
func SendSignal[T any](c *Ctx, sig *Signal[T], body T) *SignalSend[T] {
	return &SignalSend[T]{c: c, sig: sig, body: body}
}

// ToWorkflow addresses the signal to one workflow.
func (s *SignalSend[T]) ToWorkflow(id uuid.UUID) *SignalSend[T] {
	s.toWorkflow = id
	s.toTags = nil
	return s
}

// ToTags addresses the signal to the oldest workflow whose tags include
// tags and that listens for it.
func (s *SignalSend[T]) ToTags(tags map[string]string) *SignalSend[T] {
	s.toTags = tags
	s.toWorkflow = uuid.Nil
	return s
}

// Send records the signal in history and queues it. Replays return the id
// recorded the first time.
func (s *SignalSend[T]) Send() (uuid.UUID, error) {
	c := s.c
	if s.toWorkflow == uuid.Nil && len(s.toTags) == 0 {
		return uuid.Nil, model.NewWorkflowFailureError(
			fmt.Errorf("signal %s has no recipient", s.sig.name))
	}

	ev, err := c.cursor.Compare(model.EventSignalSend, c.version, s.sig.name)
	if err != nil {
		return uuid.Nil, err
	}
	if ev != nil {
		c.cursor.Inc()
		return ev.SignalID, nil
	}

	body, err := encode("body of signal "+s.sig.name, s.body)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	start := time.Now()
	err = c.run.drv.PublishSignalFromWorkflow(c.ctx, c.run.id, model.SignalSendRequest{
		Ref:        c.ref(),
		SignalID:   id,
		Name:       s.sig.name,
		Body:       body,
		RayID:      c.run.rayID,
		ToWorkflow: s.toWorkflow,
		ToTags:     s.toTags,
	})
	if err != nil {
		return uuid.Nil, storage("publish signal", err)
	}
	c.run.opts.Metrics.RecordSignalSend(s.sig.name, time.Since(start))
	c.cursor.Inc()
	return id, nil
}

// MessageSend builds a message published from inside a workflow.
type MessageSend[T any] struct {
	c    *Ctx
	msg  *Message[T]
	body T
	tags map[string]string
}

// SendMessage starts building a message.
func SendMessage[T any](c *Ctx, msg *Message[T], body T) *MessageSend[T] {
	return &MessageSend[T]{c: c, msg: msg, body: body}
}

// Tags sets the channel tags subscribers select on.
func (m *MessageSend[T]) Tags(tags map[string]string) *MessageSend[T] {
	m.tags = tags
	return m
}

// Send records the message and publishes it. A replay does not publish
// again.
func (m *MessageSend[T]) Send() error {
	c := m.c
	ev, err := c.cursor.Compare(model.EventMessageSend, c.version, m.msg.name)
	if err != nil {
		return err
	}
	if ev != nil {
		c.cursor.Inc()
		return nil
	}

	body, err := encode("body of message "+m.msg.name, m.body)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.run.drv.PublishMessageFromWorkflow(c.ctx, c.run.id, model.MessageSendRequest{
		Ref:   c.ref(),
		Name:  m.msg.name,
		Tags:  m.tags,
		Body:  body,
		RayID: c.run.rayID,
	})
	switch {
	case errors.Is(err, model.ErrPublish):
		// The event is stored, only the broadcast was lost.
		c.run.logger.Warn("message publish failed",
			zap.String("message", m.msg.name),
			zap.Error(err),
		)
		c.cursor.Inc()
		return nil
	case err != nil:
		return storage("publish message", err)
	}
	c.run.opts.Metrics.RecordMessageSend(m.msg.name, time.Since(start))
	c.cursor.Inc()
	return nil
}
