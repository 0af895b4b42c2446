// Package alert holds the in-memory alert table and the ingestion
// pipeline that feeds it. The store is exclusively mutated by the
// Ingester; every other component reads point-in-time snapshots.
package alert

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrEmptyFingerprint = errors.New("alert fingerprint is required")
	ErrInvalidStatus    = errors.New("alert status must be firing or resolved")
	ErrMissingStartsAt  = errors.New("alert startsAt is required")
	ErrEndsBeforeStarts = errors.New("alert endsAt precedes startsAt")
	ErrMissingEndsAt    = errors.New("resolved alert requires endsAt")
)

// Store is the fingerprint-keyed alert table. Resolved alerts are kept
// for a retention window after their end time so readers can report
// recently-resolved state, then evicted.
type Store struct {
	mu        sync.RWMutex
	alerts    map[string]Alert
	retention time.Duration
	now       func() time.Time
}

func NewStore(resolvedRetention time.Duration) *Store {
	return &Store{
		alerts:    make(map[string]Alert),
		retention: resolvedRetention,
		now:       time.Now,
	}
}

// Validate checks the structural invariants of a webhook entry.
func Validate(w WebhookAlert) error {
	if w.Fingerprint == "" {
		return ErrEmptyFingerprint
	}
	switch Status(w.Status) {
	case StatusFiring, StatusResolved:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, w.Status)
	}
	if w.StartsAt.IsZero() {
		return ErrMissingStartsAt
	}
	if Status(w.Status) == StatusResolved {
		if w.EndsAt.IsZero() {
			return ErrMissingEndsAt
		}
		if w.EndsAt.Before(w.StartsAt) {
			return ErrEndsBeforeStarts
		}
	}
	return nil
}

// UpsertBatch validates every entry before applying any of them; a
// malformed batch never partially applies. Valid entries replace prior
// records by fingerprint (latest payload wins), except a firing entry
// that would rewind an already-resolved alert without a newer StartsAt,
// which is dropped as a stale duplicate.
func (s *Store) UpsertBatch(entries []WebhookAlert) (int, error) {
	for i, w := range entries {
		if err := Validate(w); err != nil {
			return 0, fmt.Errorf("alert %d (%s): %w", i, w.Fingerprint, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, w := range entries {
		incoming := w.Normalize()
		if existing, ok := s.alerts[incoming.Fingerprint]; ok {
			if existing.Status == StatusResolved && incoming.Status == StatusFiring &&
				!incoming.StartsAt.After(existing.StartsAt) {
				continue
			}
		}
		s.alerts[incoming.Fingerprint] = incoming
		applied++
	}

	s.evictLocked()
	return applied, nil
}

func (s *Store) evictLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	for fp, a := range s.alerts {
		if a.Status == StatusResolved && a.EndsAt != nil && a.EndsAt.Before(cutoff) {
			delete(s.alerts, fp)
		}
	}
}

// expired reports whether an alert is past retention but not yet
// evicted; snapshot reads filter these without taking the write lock.
func (s *Store) expired(a Alert) bool {
	if s.retention <= 0 || a.Status != StatusResolved || a.EndsAt == nil {
		return false
	}
	return a.EndsAt.Before(s.now().Add(-s.retention))
}

// Snapshot returns a deep copy of the current table, sorted by
// fingerprint. Mutating the result does not affect the store.
func (s *Store) Snapshot() []Alert {
	return s.snapshot(func(Alert) bool { return true })
}

// Firing returns the current firing alerts.
func (s *Store) Firing() []Alert {
	return s.snapshot(func(a Alert) bool { return a.Status == StatusFiring })
}

// FiringForService returns firing alerts whose service label matches.
func (s *Store) FiringForService(service string) []Alert {
	return s.snapshot(func(a Alert) bool {
		return a.Status == StatusFiring && a.Service() == service
	})
}

func (s *Store) snapshot(keep func(Alert) bool) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if s.expired(a) || !keep(a) {
			continue
		}
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}
