package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wtthornton/tappsha-core/internal/auth"
)

// ─── Test Sink ───

type testSink struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	reject   bool
}

func (s *testSink) TrySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.messages = append(s.messages, data)
	return true
}

func (s *testSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *testSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *testSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Registry ───

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(0, time.Minute, nil)

	sess, err := reg.Register("http://panel.local", &testSink{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected session ID")
	}
	if sess.IsAuthenticated() {
		t.Error("new session should not be authenticated")
	}

	got, err := reg.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Origin != "http://panel.local" {
		t.Errorf("origin = %q", got.Origin)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry(0, time.Minute, nil)
	if _, err := reg.Get("ses-nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistry_OriginLimit(t *testing.T) {
	reg := NewRegistry(2, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := reg.Register("http://kiosk", &testSink{}); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	if _, err := reg.Register("http://kiosk", &testSink{}); !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("expected ErrTooManyConnections, got %v", err)
	}

	// A different origin is not affected.
	if _, err := reg.Register("http://other", &testSink{}); err != nil {
		t.Errorf("other origin rejected: %v", err)
	}
}

func TestRegistry_RemoveClosesSinkAndFreesSlot(t *testing.T) {
	reg := NewRegistry(1, time.Minute, nil)
	sink := &testSink{}

	sess, err := reg.Register("http://kiosk", sink)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var evicted string
	reg.SetOnEvict(func(s *Session) { evicted = s.ID })

	reg.Remove(sess.ID)
	if !sink.isClosed() {
		t.Error("sink not closed on remove")
	}
	if evicted != sess.ID {
		t.Errorf("evict hook got %q, want %q", evicted, sess.ID)
	}
	if _, err := reg.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session still present after remove: %v", err)
	}
	if _, err := reg.Register("http://kiosk", &testSink{}); err != nil {
		t.Errorf("slot not freed after remove: %v", err)
	}
}

func TestRegistry_StaleSweep(t *testing.T) {
	reg := NewRegistry(0, 30*time.Millisecond, nil)
	sink := &testSink{}

	sess, err := reg.Register("http://panel", sink)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	// The session sends no heartbeats, so the sweeper should evict it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.Get(sess.ID); errors.Is(err, ErrSessionNotFound) {
			if !sink.isClosed() {
				t.Error("stale sink not closed")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale session never swept")
}

func TestRegistry_TouchKeepsAlive(t *testing.T) {
	reg := NewRegistry(0, 50*time.Millisecond, nil)

	sess, err := reg.Register("http://panel", &testSink{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		sess.Touch()
	}
	if _, err := reg.Get(sess.ID); err != nil {
		t.Errorf("touched session was swept: %v", err)
	}
}

// ─── Session ───

func TestSession_Authenticate(t *testing.T) {
	reg := NewRegistry(0, time.Minute, nil)
	sess, err := reg.Register("http://panel", &testSink{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	sess.Authenticate("user-1", auth.RoleAdmin)
	if !sess.IsAuthenticated() {
		t.Error("session should be authenticated")
	}
	if sess.UserID() != "user-1" {
		t.Errorf("user = %q", sess.UserID())
	}
	if sess.Role() != auth.RoleAdmin {
		t.Errorf("role = %q", sess.Role())
	}
}
