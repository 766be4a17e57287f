package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWakeCondition_Merge(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	sub := uuid.New()

	tests := []struct {
		name string
		a, b WakeCondition
		want WakeCondition
	}{
		{
			name: "min deadline",
			a:    DeadlineWake(late),
			b:    DeadlineWake(early),
			want: DeadlineWake(early),
		},
		{
			name: "deadline with zero",
			a:    WakeCondition{},
			b:    DeadlineWake(late),
			want: DeadlineWake(late),
		},
		{
			name: "signal union",
			a:    SignalWake("a", "b"),
			b:    SignalWake("b", "c"),
			want: SignalWake("a", "b", "c"),
		},
		{
			name: "immediate wins",
			a:    SubWorkflowWake(sub),
			b:    ImmediateWake(),
			want: WakeCondition{Immediate: true, SubWorkflowID: sub},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.Merge(tt.b)
			if got.Immediate != tt.want.Immediate ||
				!got.Deadline.Equal(tt.want.Deadline) ||
				got.SubWorkflowID != tt.want.SubWorkflowID ||
				len(got.Signals) != len(tt.want.Signals) {
				t.Fatalf("Merge() = %+v, want %+v", got, tt.want)
			}
			for i := range got.Signals {
				if got.Signals[i] != tt.want.Signals[i] {
					t.Errorf("Signals[%d] = %q, want %q", i, got.Signals[i], tt.want.Signals[i])
				}
			}
		})
	}
}

func TestWakeCondition_Due(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !ImmediateWake().Due(now) {
		t.Error("immediate should be due")
	}
	if !DeadlineWake(now).Due(now) {
		t.Error("deadline equal to now should be due")
	}
	if DeadlineWake(now.Add(time.Second)).Due(now) {
		t.Error("future deadline should not be due")
	}
	if SignalWake("go").Due(now) {
		t.Error("signal wake is not time based")
	}
}

func TestWakeCondition_Kinds(t *testing.T) {
	w := SignalWake("go")
	w.Deadline = time.Now()
	kinds := w.Kinds()
	if len(kinds) != 2 || kinds[0] != WakeDeadline || kinds[1] != WakeSignal {
		t.Errorf("Kinds() = %v, want [deadline signal]", kinds)
	}
	if !(WakeCondition{}).IsZero() {
		t.Error("zero condition should be zero")
	}
}

func TestHashInput_stable(t *testing.T) {
	a := HashInput([]byte(`21`))
	if len(a) != 32 {
		t.Fatalf("hash length = %d, want 32", len(a))
	}
	if a != HashInput([]byte(`21`)) {
		t.Error("hash should be deterministic")
	}
	if a == HashInput([]byte(`22`)) {
		t.Error("different inputs should hash differently")
	}
	if HashTags(map[string]string{"a": "1", "b": "2"}) != HashTags(map[string]string{"b": "2", "a": "1"}) {
		t.Error("tag hash should not depend on map order")
	}
}
