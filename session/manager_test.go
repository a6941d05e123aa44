package session

import (
	"context"
	"errors"
	"testing"
)

func testController(t *testing.T) *Controller {
	t.Helper()
	c := NewController(func(ctx context.Context) (FrameSource, error) {
		return nil, errors.New("not used")
	}, nil, nil)
	t.Cleanup(c.Close)
	return c
}

func TestManagerRejectsDuplicateKey(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if !m.Add("glasses-1", testController(t)) {
		t.Fatal("first add rejected")
	}
	if m.Add("glasses-1", testController(t)) {
		t.Error("duplicate key accepted")
	}
	if len(m.List()) != 1 {
		t.Errorf("list length = %d, want 1", len(m.List()))
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	c := testController(t)
	m.Add("glasses-1", c)

	m.Remove("glasses-1")
	if _, ok := m.Get("glasses-1"); ok {
		t.Error("session still present after remove")
	}

	// The key is free for a new session.
	if !m.Add("glasses-1", testController(t)) {
		t.Error("key not reusable after remove")
	}
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	m.Add("a", testController(t))
	m.Add("b", testController(t))

	m.Shutdown()
	if got := len(m.List()); got != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", got)
	}
}
