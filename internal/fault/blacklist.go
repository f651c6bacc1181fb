package fault

import (
	"time"

	"github.com/modelrelay/modelrelay/internal/events"
)

// Reason classifies why a binding was blacklisted.
type Reason string

const (
	ReasonRateLimit    Reason = "rate_limit"
	ReasonAuthFailure  Reason = "auth_failure"
	ReasonServerError  Reason = "server_error"
	ReasonNetworkError Reason = "network_error"
)

// Entry is one ephemeral blacklist record.
type Entry struct {
	BindingID        string    `json:"binding_id"`
	Model            string    `json:"model,omitempty"`
	Reason           Reason    `json:"reason"`
	BlacklistedUntil time.Time `json:"blacklisted_until,omitempty"` // zero = no automatic expiry
	ErrorCount       int       `json:"error_count"`
}

// Key returns the blacklist map key: rate-limit entries are scoped to
// binding:model, everything else to the binding alone.
func (e *Entry) Key() string {
	if e.Reason == ReasonRateLimit {
		return e.BindingID + ":" + e.Model
	}
	return e.BindingID
}

// expired reports whether the entry's automatic expiry has passed.
// Auth-failure entries never expire automatically.
func (e *Entry) expired(now time.Time) bool {
	return !e.BlacklistedUntil.IsZero() && now.After(e.BlacklistedUntil)
}

// blacklistedLocked checks both the binding-scoped and model-scoped entries,
// dropping any that have expired. Caller must hold s.mu.
func (s *Substrate) blacklistedLocked(bindingID, model string) bool {
	now := s.nowFunc()
	for _, key := range []string{bindingID, bindingID + ":" + model} {
		e, ok := s.blacklist[key]
		if !ok {
			continue
		}
		if e.expired(now) {
			delete(s.blacklist, key)
			s.publish(events.Event{
				Type:      events.EventBlacklistClear,
				BindingID: bindingID,
				Model:     e.Model,
				Reason:    string(e.Reason),
			})
			continue
		}
		return true
	}
	return false
}

// addEntryLocked inserts or refreshes a blacklist entry. Caller must hold s.mu.
func (s *Substrate) addEntryLocked(bindingID, model string, reason Reason, until time.Time) {
	e := &Entry{
		BindingID:        bindingID,
		Model:            model,
		Reason:           reason,
		BlacklistedUntil: until,
	}
	if reason != ReasonRateLimit {
		e.Model = ""
	}
	if prev, ok := s.blacklist[e.Key()]; ok {
		e.ErrorCount = prev.ErrorCount
	}
	e.ErrorCount++
	s.blacklist[e.Key()] = e
	s.publish(events.Event{
		Type:      events.EventBlacklistAdd,
		BindingID: bindingID,
		Model:     e.Model,
		Reason:    string(reason),
	})
}

// clearNonAuthLocked removes every non-auth entry covering the binding: a
// successful call proves the upstream is reachable again. Caller must hold
// s.mu.
func (s *Substrate) clearNonAuthLocked(bindingID, model string) {
	for _, key := range []string{bindingID, bindingID + ":" + model} {
		e, ok := s.blacklist[key]
		if !ok || e.Reason == ReasonAuthFailure {
			continue
		}
		delete(s.blacklist, key)
		s.publish(events.Event{
			Type:      events.EventBlacklistClear,
			BindingID: bindingID,
			Model:     e.Model,
			Reason:    string(e.Reason),
		})
	}
}

// Blacklisted reports whether a binding (for a model) currently has a live
// entry.
func (s *Substrate) Blacklisted(bindingID, model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklistedLocked(bindingID, model)
}

// Entries returns a snapshot of all live blacklist entries.
func (s *Substrate) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	out := make([]Entry, 0, len(s.blacklist))
	for key, e := range s.blacklist {
		if e.expired(now) {
			delete(s.blacklist, key)
			continue
		}
		out = append(out, *e)
	}
	return out
}

// BreakerState returns the breaker state string for a binding, for the
// operational snapshot.
func (s *Substrate) BreakerState(bindingID string) string {
	return s.Breaker(bindingID).CurrentState().String()
}
