package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wtthornton/tappsha-core/internal/auth"
)

// Logger defines the logging interface used by the realtime layer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Sink delivers outbound messages to one connection. TrySend must not
// block: implementations buffer internally and report false when the
// buffer is full or the connection is gone, which marks the session dead.
type Sink interface {
	TrySend(data []byte) bool
	Close()
}

// Session is one realtime connection. A session starts unauthenticated;
// it must authenticate before the broker accepts subscriptions.
type Session struct {
	ID        string
	Origin    string
	ConnectedAt time.Time

	sink Sink

	mu            sync.RWMutex
	authenticated bool
	userID        string
	role          auth.Role
	lastSeen      time.Time
}

// Authenticate marks the session as belonging to the given user.
func (s *Session) Authenticate(userID string, role auth.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.userID = userID
	s.role = role
}

// IsAuthenticated reports whether the session has authenticated.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// UserID returns the authenticated user ID (empty before auth).
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Role returns the authenticated role (empty before auth).
func (s *Session) Role() auth.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Touch records liveness; called on every inbound message and pong.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last inbound activity.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// TrySend forwards to the session's sink.
func (s *Session) TrySend(data []byte) bool {
	return s.sink.TrySend(data)
}

// Registry tracks connected sessions and supervises their liveness.
//
// Thread Safety: all public methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxPerOrigin int
	timeout      time.Duration
	onEvict      func(s *Session)
	logger       Logger
}

// NewRegistry creates a session registry. maxPerOrigin bounds concurrent
// connections per origin (0 disables the bound); timeout is how long a
// session may stay silent before the supervisor evicts it.
func NewRegistry(maxPerOrigin int, timeout time.Duration, logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		maxPerOrigin: maxPerOrigin,
		timeout:      timeout,
		logger:       logger,
	}
}

// SetOnEvict registers a callback invoked for every session the registry
// removes (stale sweep or explicit removal). The broker uses it to drop
// subscriptions.
func (r *Registry) SetOnEvict(fn func(s *Session)) {
	r.onEvict = fn
}

// Register creates and tracks a session for the given origin and sink.
// Returns ErrTooManyConnections when the origin is at its allowance.
func (r *Registry) Register(origin string, sink Sink) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerOrigin > 0 {
		count := 0
		for _, s := range r.sessions {
			if s.Origin == origin {
				count++
			}
		}
		if count >= r.maxPerOrigin {
			return nil, fmt.Errorf("%w: %s has %d", ErrTooManyConnections, origin, count)
		}
	}

	now := time.Now()
	s := &Session{
		ID:          "ses-" + uuid.NewString()[:8],
		Origin:      origin,
		ConnectedAt: now,
		sink:        sink,
		lastSeen:    now,
	}
	r.sessions[s.ID] = s

	r.logger.Debug("session registered", "session_id", s.ID, "origin", origin, "total", len(r.sessions))
	return s, nil
}

// Get retrieves a session by ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove drops a session and fires the evict callback.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		if r.onEvict != nil {
			r.onEvict(s)
		}
		s.sink.Close()
		r.logger.Debug("session removed", "session_id", id)
	}
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run supervises session liveness until the context is cancelled,
// sweeping sessions silent for longer than the timeout.
func (r *Registry) Run(ctx context.Context) {
	if r.timeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) sweepStale() {
	cutoff := time.Now().Add(-r.timeout)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("evicting stale session", "session_id", id)
		r.Remove(id)
	}
}
