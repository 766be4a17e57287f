// Package history matches workflow execution against recorded events.
package history

import (
	"fmt"
	"slices"

	"github.com/pitabwire/durable/model"
)

// Cursor walks the events directly under one location. A Cursor is owned by
// a single goroutine; branches get their own sub-cursor.
type Cursor struct {
	events model.History
	root   model.Location
	idx    uint32
}

// New returns a cursor positioned at the first event under root.
func New(events model.History, root model.Location) *Cursor {
	if events == nil {
		events = model.History{}
	}
	return &Cursor{events: events, root: root.Clone()}
}

// Sub returns a cursor over the events under loc, sharing the same history.
func (c *Cursor) Sub(loc model.Location) *Cursor {
	return New(c.events, loc)
}

// Root returns the location this cursor walks.
func (c *Cursor) Root() model.Location {
	return c.root
}

// Index returns the current coordinate.
func (c *Cursor) Index() uint32 {
	return c.idx
}

// CurrentLocation returns the location of the next event.
func (c *Cursor) CurrentLocation() model.Location {
	return c.root.Append(c.idx)
}

// Inc advances past the current slot.
func (c *Cursor) Inc() {
	c.idx++
}

// CurrentEvent returns the event recorded at the current slot, if any.
func (c *Cursor) CurrentEvent() *model.Event {
	group := c.events.At(c.root)
	i, ok := slices.BinarySearchFunc(group, c.idx, func(ev model.Event, idx uint32) int {
		switch last := ev.Location.Last(); {
		case last < idx:
			return -1
		case last > idx:
			return 1
		}
		return 0
	})
	if !ok {
		return nil
	}
	return &group[i]
}

// hasLater reports whether any event is recorded beyond the current slot.
func (c *Cursor) hasLater() bool {
	group := c.events.At(c.root)
	return len(group) > 0 && group[len(group)-1].Location.Last() > c.idx
}

// slot returns the event at the current slot, nil for fresh execution or a
// LatentHistoryFound error when the slot is empty but later ones are not.
func (c *Cursor) slot() (*model.Event, error) {
	if ev := c.CurrentEvent(); ev != nil {
		return ev, nil
	}
	if c.hasLater() {
		return nil, model.NewLatentHistoryFoundError(c.CurrentLocation())
	}
	return nil, nil
}

// Compare classifies the current slot against an expected event. A nil event
// and nil error means fresh execution. key is matched against the recorded
// hash unless empty.
func (c *Cursor) Compare(typ model.EventType, version uint32, key string) (*model.Event, error) {
	ev, err := c.slot()
	if err != nil || ev == nil {
		return nil, err
	}
	if ev.Type != typ {
		return nil, model.NewHistoryDivergedError(ev.Location,
			fmt.Sprintf("expected %s, found %s", typ, ev.Type))
	}
	if ev.Version != version {
		return nil, model.NewHistoryDivergedError(ev.Location,
			fmt.Sprintf("expected %s version %d, found version %d", typ, version, ev.Version))
	}
	if key != "" && ev.Hash != key {
		return nil, model.NewHistoryDivergedError(ev.Location,
			fmt.Sprintf("expected %s %q, found %q", typ, key, ev.Hash))
	}
	return ev, nil
}

// CompareActivity matches an activity by name and input hash.
func (c *Cursor) CompareActivity(version uint32, name, hash string) (*model.Event, error) {
	ev, err := c.Compare(model.EventActivity, version, hash)
	if err != nil || ev == nil {
		return ev, err
	}
	if ev.Name != name {
		return nil, model.NewHistoryDivergedError(ev.Location,
			fmt.Sprintf("expected activity %s, found %s", name, ev.Name))
	}
	return ev, nil
}

// CompareSignalRecv matches a received signal whose name is one of names.
func (c *Cursor) CompareSignalRecv(version uint32, names []string) (*model.Event, error) {
	ev, err := c.Compare(model.EventSignalRecv, version, "")
	if err != nil || ev == nil {
		return ev, err
	}
	if !slices.Contains(names, ev.Name) {
		return nil, model.NewHistoryDivergedError(ev.Location,
			fmt.Sprintf("expected one of signals %v, found %s", names, ev.Name))
	}
	return ev, nil
}

// CompareVersionCheck returns whatever is recorded at the current slot. The
// caller decides how a slot holding a different event type is treated.
func (c *Cursor) CompareVersionCheck() (*model.Event, error) {
	return c.slot()
}

// CompareRemoved matches a call that was deleted from workflow code. Either
// the original event or a removed marker satisfies it.
func (c *Cursor) CompareRemoved(typ model.EventType, name string) (*model.Event, error) {
	ev, err := c.slot()
	if err != nil || ev == nil {
		return nil, err
	}
	switch {
	case ev.Type == typ && (name == "" || ev.Name == name):
		return ev, nil
	case ev.Type == model.EventRemoved && ev.RemovedType == typ && ev.RemovedName == name:
		return ev, nil
	}
	return nil, model.NewHistoryDivergedError(ev.Location,
		fmt.Sprintf("expected removed %s %s, found %s", typ, name, ev.Type))
}

// CheckClear fails if any recorded event was not consumed.
func (c *Cursor) CheckClear() error {
	group := c.events.At(c.root)
	if len(group) == 0 || group[len(group)-1].Location.Last() < c.idx {
		return nil
	}
	ev := group[len(group)-1]
	for i := range group {
		if group[i].Location.Last() >= c.idx {
			ev = group[i]
			break
		}
	}
	return model.NewHistoryDivergedError(ev.Location,
		fmt.Sprintf("unconsumed %s event", ev.Type))
}
