package session

import (
	"errors"
	"testing"
)

func TestManagerOpenGetRemove(t *testing.T) {
	h := newHarness(t, Config{})
	s, _ := h.connect(t)

	got, ok := h.manager.Get(s.ID)
	if !ok || got != s {
		t.Fatal("Expected to find the opened session")
	}
	if len(h.manager.All()) != 1 {
		t.Errorf("Expected 1 session, got %d", len(h.manager.All()))
	}

	if !h.manager.Remove(s.ID) {
		t.Error("Expected Remove to succeed")
	}
	if h.manager.Remove(s.ID) {
		t.Error("Expected second Remove to report a missing session")
	}
	if _, ok := h.manager.Get(s.ID); ok {
		t.Error("Session still registered after Remove")
	}
}

func TestManagerMaxSessions(t *testing.T) {
	h := newHarness(t, Config{})
	h.manager.config.MaxSessions = 1

	h.connect(t)
	if _, err := h.manager.Open(&fakeSink{}); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Expected ErrTooManySessions, got %v", err)
	}
}

func TestManagerUniqueIDs(t *testing.T) {
	h := newHarness(t, Config{})
	a, _ := h.connect(t)
	b, _ := h.connect(t)
	if a.ID == b.ID {
		t.Errorf("Expected unique session ids, both are %s", a.ID)
	}
}

func TestManagerStopClosesSessions(t *testing.T) {
	h := newHarness(t, Config{})
	_, sinkA := h.connect(t)
	_, sinkB := h.connect(t)

	h.manager.Stop()
	h.manager.Stop()

	if h.manager.Count() != 0 {
		t.Errorf("Expected no sessions after Stop, got %d", h.manager.Count())
	}
	if sinkA.closeCount() != 1 || sinkB.closeCount() != 1 {
		t.Error("Expected every client sink closed once")
	}
}

func TestManagerOpenAfterStop(t *testing.T) {
	h := newHarness(t, Config{})
	h.manager.Stop()

	sink := &fakeSink{}
	if _, err := h.manager.Open(sink); !errors.Is(err, ErrStopped) {
		t.Fatalf("Expected ErrStopped, got %v", err)
	}
	if h.dialer.linkCount() != 0 {
		t.Error("Stopped manager must not dial upstream")
	}
	if h.manager.Count() != 0 {
		t.Errorf("Expected no sessions, got %d", h.manager.Count())
	}
}
