package history

import (
	"testing"

	"github.com/pitabwire/durable/model"
)

func activity(loc model.Location, name, hash string) model.Event {
	return model.Event{Location: loc, Type: model.EventActivity, Version: 1, Name: name, Hash: hash, Output: []byte("1")}
}

func TestCursor_Compare(t *testing.T) {
	h := model.NewHistory([]model.Event{
		activity(model.Location{0}, "a", "h0"),
		activity(model.Location{2}, "a", "h2"),
	})

	tests := []struct {
		name     string
		idx      uint32
		typ      model.EventType
		version  uint32
		key      string
		wantEv   bool
		wantCode string
	}{
		{name: "replay", idx: 0, typ: model.EventActivity, version: 1, key: "h0", wantEv: true},
		{name: "hash mismatch", idx: 0, typ: model.EventActivity, version: 1, key: "other", wantCode: model.ErrHistoryDiverged},
		{name: "type mismatch", idx: 0, typ: model.EventSleep, version: 1, wantCode: model.ErrHistoryDiverged},
		{name: "version mismatch", idx: 0, typ: model.EventActivity, version: 2, key: "h0", wantCode: model.ErrHistoryDiverged},
		{name: "latent", idx: 1, typ: model.EventActivity, version: 1, key: "h1", wantCode: model.ErrLatentHistoryFound},
		{name: "fresh", idx: 3, typ: model.EventActivity, version: 1, key: "h3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(h, model.Root)
			for range tt.idx {
				c.Inc()
			}
			ev, err := c.Compare(tt.typ, tt.version, tt.key)
			if tt.wantCode != "" {
				if !model.IsCode(err, tt.wantCode) {
					t.Fatalf("err = %v, want code %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (ev != nil) != tt.wantEv {
				t.Errorf("event = %v, want present %v", ev, tt.wantEv)
			}
		})
	}
}

func TestCursor_CompareActivity_name(t *testing.T) {
	h := model.NewHistory([]model.Event{activity(model.Location{0}, "a", "h")})
	c := New(h, model.Root)
	if _, err := c.CompareActivity(1, "b", "h"); !model.IsCode(err, model.ErrHistoryDiverged) {
		t.Fatalf("err = %v, want diverged", err)
	}
}

func TestCursor_SubCursor(t *testing.T) {
	h := model.NewHistory([]model.Event{
		{Location: model.Location{0}, Type: model.EventBranch, Version: 1},
		activity(model.Location{0, 0}, "a", "x"),
	})
	c := New(h, model.Root)
	if ev, err := c.Compare(model.EventBranch, 1, ""); err != nil || ev == nil {
		t.Fatalf("branch compare = %v, %v", ev, err)
	}
	loc := c.CurrentLocation()
	c.Inc()

	sub := c.Sub(loc)
	if sub.CurrentLocation().String() != "0.0" {
		t.Fatalf("sub location = %q", sub.CurrentLocation())
	}
	if ev, err := sub.CompareActivity(1, "a", "x"); err != nil || ev == nil {
		t.Fatalf("sub activity = %v, %v", ev, err)
	}
	sub.Inc()
	if err := sub.CheckClear(); err != nil {
		t.Errorf("sub CheckClear: %v", err)
	}
	if err := c.CheckClear(); err != nil {
		t.Errorf("root CheckClear: %v", err)
	}
}

func TestCursor_CompareSignalRecv(t *testing.T) {
	h := model.NewHistory([]model.Event{
		{Location: model.Location{0}, Type: model.EventSignalRecv, Version: 1, Name: "go", Hash: "go"},
	})
	c := New(h, model.Root)
	if ev, err := c.CompareSignalRecv(1, []string{"stop", "go"}); err != nil || ev == nil {
		t.Fatalf("compare = %v, %v", ev, err)
	}
	if _, err := c.CompareSignalRecv(1, []string{"stop"}); !model.IsCode(err, model.ErrHistoryDiverged) {
		t.Fatalf("err = %v, want diverged", err)
	}
}

func TestCursor_CompareRemoved(t *testing.T) {
	h := model.NewHistory([]model.Event{
		activity(model.Location{0}, "old", "h"),
		{Location: model.Location{1}, Type: model.EventRemoved, Version: 1, RemovedType: model.EventActivity, RemovedName: "old"},
	})
	c := New(h, model.Root)
	if ev, err := c.CompareRemoved(model.EventActivity, "old"); err != nil || ev == nil {
		t.Fatalf("original event = %v, %v", ev, err)
	}
	c.Inc()
	if ev, err := c.CompareRemoved(model.EventActivity, "old"); err != nil || ev == nil {
		t.Fatalf("removed marker = %v, %v", ev, err)
	}
	c.Inc()
	if ev, err := c.CompareRemoved(model.EventActivity, "old"); err != nil || ev != nil {
		t.Fatalf("fresh = %v, %v", ev, err)
	}
}

func TestCursor_CheckClear_leftover(t *testing.T) {
	h := model.NewHistory([]model.Event{
		activity(model.Location{0}, "a", "h0"),
		activity(model.Location{1}, "a", "h1"),
	})
	c := New(h, model.Root)
	c.Inc()
	if err := c.CheckClear(); !model.IsCode(err, model.ErrHistoryDiverged) {
		t.Fatalf("err = %v, want diverged", err)
	}
	c.Inc()
	if err := c.CheckClear(); err != nil {
		t.Fatalf("CheckClear: %v", err)
	}
}
