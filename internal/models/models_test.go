package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func validDefinition() json.RawMessage {
	return json.RawMessage(`{"entryNodeId": "a", "nodes": [{"id": "a", "type": "end", "content": "Bye"}]}`)
}

func TestFlowValidate(t *testing.T) {
	f := Flow{ID: "f1", Name: "Greeter", Trigger: FlowTriggerDefault, Definition: validDefinition()}
	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Flow)
		want   error
	}{
		{"empty id", func(f *Flow) { f.ID = "" }, ErrEmptyFlowID},
		{"empty name", func(f *Flow) { f.Name = "" }, ErrEmptyFlowName},
		{"bad trigger", func(f *Flow) { f.Trigger = "cron" }, ErrInvalidTrigger},
		{"bad definition", func(f *Flow) { f.Definition = json.RawMessage(`{"nodes": []}`) }, ErrMissingEntryNode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := f
			tc.mutate(&g)
			if err := g.Validate(); !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	s := &Schedule{
		Enabled:  true,
		Timezone: "America/Sao_Paulo",
		Windows:  []ScheduleWindow{{Days: []int{1, 2, 3, 4, 5}, Start: "08:00", End: "18:00"}},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var nilSchedule *Schedule
	if err := nilSchedule.Validate(); err != nil {
		t.Errorf("nil schedule should validate: %v", err)
	}

	bad := &Schedule{Enabled: true, Windows: []ScheduleWindow{{Days: []int{1}, Start: "22:00", End: "06:00"}}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidScheduleWindow) {
		t.Errorf("midnight-crossing window: error = %v, want %v", err, ErrInvalidScheduleWindow)
	}

	bad = &Schedule{Timezone: "Mars/Olympus"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidScheduleTimezone) {
		t.Errorf("bad timezone: error = %v, want %v", err, ErrInvalidScheduleTimezone)
	}

	bad = &Schedule{Windows: []ScheduleWindow{{Days: []int{7}, Start: "08:00", End: "18:00"}}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidScheduleDay) {
		t.Errorf("bad day: error = %v, want %v", err, ErrInvalidScheduleDay)
	}

	bad = &Schedule{Windows: []ScheduleWindow{{Days: []int{1}, Start: "8am", End: "18:00"}}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidScheduleTime) {
		t.Errorf("bad time: error = %v, want %v", err, ErrInvalidScheduleTime)
	}
}

func TestSessionStateClone(t *testing.T) {
	orig := &SessionState{
		History:       []HistoryEntry{{NodeID: "a", OccurredAt: time.Unix(100, 0)}},
		CollectedData: map[string]string{"name": "Ana"},
		WaitingFor:    &WaitingPointer{NodeID: "q1", Kind: WaitingQuestion},
	}

	clone := orig.Clone()
	clone.History = append(clone.History, HistoryEntry{NodeID: "b"})
	clone.CollectedData["name"] = "Bruno"
	clone.WaitingFor.NodeID = "q2"
	clone.Completed = true

	if len(orig.History) != 1 {
		t.Errorf("original history mutated: %+v", orig.History)
	}
	if orig.CollectedData["name"] != "Ana" {
		t.Errorf("original collected data mutated: %+v", orig.CollectedData)
	}
	if orig.WaitingFor.NodeID != "q1" {
		t.Errorf("original waiting pointer mutated: %+v", orig.WaitingFor)
	}
	if orig.Completed {
		t.Error("original completed flag mutated")
	}
}

func TestSessionStateCloneNil(t *testing.T) {
	var s *SessionState
	clone := s.Clone()
	if clone == nil {
		t.Fatal("clone of nil state should be an empty state")
	}
}

func TestSessionActive(t *testing.T) {
	s := &Session{}
	if !s.Active() {
		t.Error("fresh session should be active")
	}
	now := time.Now()
	s.CompletedAt = &now
	if s.Active() {
		t.Error("completed session should not be active")
	}
	s = &Session{State: SessionState{Completed: true}}
	if s.Active() {
		t.Error("session with completed state should not be active")
	}
}
