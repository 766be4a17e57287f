package model

import "testing"

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{in: "", want: Location{}},
		{in: "0", want: Location{0}},
		{in: "2.0.13", want: Location{2, 0, 13}},
		{in: "1..2", wantErr: true},
		{in: "a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLocation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseLocation(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if !tt.wantErr && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestLocation_Append_doesNotAlias(t *testing.T) {
	base := make(Location, 1, 4)
	base[0] = 3
	a := base.Append(0)
	b := base.Append(1)
	if a.String() != "3.0" || b.String() != "3.1" {
		t.Errorf("got %q and %q, want 3.0 and 3.1", a, b)
	}
}

func TestLocation_HasPrefix(t *testing.T) {
	loop := Location{3}
	if !(Location{3, 0, 1}).HasPrefix(loop) {
		t.Error("3.0.1 should be under 3")
	}
	if (Location{3}).HasPrefix(loop) {
		t.Error("a location is not its own strict ancestor")
	}
	if (Location{30}).HasPrefix(loop) {
		t.Error("30 is not under 3")
	}
	if !(Location{0}).HasPrefix(Root) {
		t.Error("everything is under root")
	}
}

func TestLocation_Compare(t *testing.T) {
	tests := []struct {
		a, b Location
		want int
	}{
		{Location{0}, Location{1}, -1},
		{Location{1}, Location{0, 5}, 1},
		{Location{1}, Location{1, 0}, -1},
		{Location{2, 1}, Location{2, 1}, 0},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNewHistory_groupsAndSorts(t *testing.T) {
	h := NewHistory([]Event{
		{Location: Location{1}, Type: EventActivity},
		{Location: Location{2, 0, 1}, Type: EventActivity},
		{Location: Location{0}, Type: EventSleep},
		{Location: Location{2}, Type: EventLoop},
		{Location: Location{2, 0, 0}, Type: EventActivity},
	})

	root := h.At(Root)
	if len(root) != 3 {
		t.Fatalf("root events = %d, want 3", len(root))
	}
	for i, ev := range root {
		if ev.Location.Last() != uint32(i) {
			t.Errorf("root[%d] at %v", i, ev.Location)
		}
	}
	if got := len(h.At(Location{2, 0})); got != 2 {
		t.Errorf("iteration events = %d, want 2", got)
	}
	if h.Len() != 5 {
		t.Errorf("Len() = %d, want 5", h.Len())
	}
	flat := h.Events()
	if flat[0].Location.String() != "0" || flat[len(flat)-1].Location.String() != "2.0.1" {
		t.Errorf("Events() order = %v .. %v", flat[0].Location, flat[len(flat)-1].Location)
	}
}
