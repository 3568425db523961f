package system

import (
	"context"
	"errors"
	"testing"
)

type stubService struct {
	name     string
	startErr error
	log      *[]string
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.log = append(*s.log, "start:"+s.name)
	return nil
}

func (s *stubService) Stop(context.Context) error {
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

func TestManagerStartsInOrderStopsInReverse(t *testing.T) {
	var log []string
	m := NewManager(nil)
	m.Register(&stubService{name: "a", log: &log})
	m.Register(&stubService{name: "b", log: &log})

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var log []string
	m := NewManager(nil)
	m.Register(&stubService{name: "a", log: &log})
	m.Register(&stubService{name: "b", log: &log, startErr: errors.New("boom")})

	if err := m.StartAll(context.Background()); err == nil {
		t.Fatal("expected start error")
	}

	// Only the started service was stopped.
	want := []string{"start:a", "stop:a"}
	if len(log) != len(want) || log[0] != want[0] || log[1] != want[1] {
		t.Fatalf("log = %v, want %v", log, want)
	}
}
