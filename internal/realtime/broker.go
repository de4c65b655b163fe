package realtime

import (
	"sync"
)

// ScopeAll is the wildcard for both subscription dimensions: as an event
// type it matches every event, as a resource scope it matches every
// resource.
const ScopeAll = "all"

// Event types the dispatcher publishes.
const (
	EventAutomationUpdate = "automation_update"
	EventApprovalUpdate   = "approval_update"
	EventEmergencyStop    = "emergency_stop"
	EventSuggestionUpdate = "suggestion_update"
)

// validEventTypes is the set of subscribable event types.
var validEventTypes = map[string]struct{}{
	EventAutomationUpdate: {},
	EventApprovalUpdate:   {},
	EventEmergencyStop:    {},
	EventSuggestionUpdate: {},
	ScopeAll:              {},
}

// IsValidEventType reports whether the event type can be subscribed to.
func IsValidEventType(eventType string) bool {
	_, ok := validEventTypes[eventType]
	return ok
}

// subKey identifies one subscription bucket. A subscription is the pair
// (event type, resource scope); either side may be the "all" wildcard.
type subKey struct {
	eventType string
	scope     string
}

// Broker routes published events to subscribed sessions.
//
// A subscription pairs an event type with a resource scope, so a session
// can follow one automation's updates without receiving everyone else's.
// Either dimension may be the "all" wildcard. Authentication is enforced
// here: an unauthenticated session cannot subscribe, so it can never
// receive anything. Sessions whose sink rejects a delivery are evicted
// from the registry.
//
// Thread Safety: all public methods are safe for concurrent use.
type Broker struct {
	registry *Registry
	logger   Logger

	mu   sync.RWMutex
	subs map[subKey]map[string]*Session // (eventType, scope) -> sessionID -> session
}

// NewBroker creates a broker over the given registry. It registers
// itself as the registry's evict hook so removed sessions lose their
// subscriptions.
func NewBroker(registry *Registry, logger Logger) *Broker {
	if logger == nil {
		logger = noopLogger{}
	}
	b := &Broker{
		registry: registry,
		logger:   logger,
		subs:     make(map[subKey]map[string]*Session),
	}
	registry.SetOnEvict(b.dropSession)
	return b
}

// Subscribe adds the session to the event type within the given resource
// scope. An empty scope means "all". Unknown event types are rejected;
// authentication is required first.
func (b *Broker) Subscribe(s *Session, eventType, scope string) error {
	if !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if !IsValidEventType(eventType) {
		return ErrUnknownEventType(eventType)
	}
	if scope == "" {
		scope = ScopeAll
	}

	key := subKey{eventType, scope}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[string]*Session)
		b.subs[key] = set
	}
	set[s.ID] = s

	b.logger.Debug("session subscribed", "session_id", s.ID, "event_type", eventType, "scope", scope)
	return nil
}

// Unsubscribe removes the session from the event type within the given
// resource scope. An empty scope means "all".
func (b *Broker) Unsubscribe(s *Session, eventType, scope string) {
	if scope == "" {
		scope = ScopeAll
	}
	key := subKey{eventType, scope}

	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[key]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
}

// Publish delivers data to every session subscribed to the event type
// and scope, exactly or via the "all" wildcard on either dimension (each
// session at most once). Dead sessions found during delivery are evicted.
func (b *Broker) Publish(eventType, scope string, data []byte) {
	if scope == "" {
		scope = ScopeAll
	}
	keys := []subKey{
		{eventType, scope},
		{eventType, ScopeAll},
		{ScopeAll, scope},
		{ScopeAll, ScopeAll},
	}

	b.mu.RLock()
	targets := make(map[string]*Session)
	for _, key := range keys {
		for id, s := range b.subs[key] {
			targets[id] = s
		}
	}
	b.mu.RUnlock()

	var dead []string
	for id, s := range targets {
		if !s.TrySend(data) {
			dead = append(dead, id)
		}
	}

	for _, id := range dead {
		b.logger.Info("evicting dead session", "session_id", id)
		b.registry.Remove(id)
	}
}

// dropSession removes every subscription held by the session.
func (b *Broker) dropSession(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, set := range b.subs {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
}

// SubscriberCount returns how many sessions would receive an event
// published with the given type and scope.
func (b *Broker) SubscriberCount(eventType, scope string) int {
	if scope == "" {
		scope = ScopeAll
	}
	keys := []subKey{
		{eventType, scope},
		{eventType, ScopeAll},
		{ScopeAll, scope},
		{ScopeAll, ScopeAll},
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, key := range keys {
		for id := range b.subs[key] {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// ErrUnknownEventType reports a subscribe attempt for an unknown event type.
type ErrUnknownEventType string

func (e ErrUnknownEventType) Error() string {
	return "realtime: unknown event type " + string(e)
}
