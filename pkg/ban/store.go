// Package ban keeps the TTL-keyed ban windows per client fingerprint.
// Escalation is computed by the caller; the store only arms expiries.
package ban

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one ban window.
type Record struct {
	BannedAt time.Time     `json:"banned_at"`
	Duration time.Duration `json:"duration_remaining"`
}

type entry struct {
	rec     Record
	expires time.Time
}

// Store maps client fingerprints to ban windows. Entries expire on
// their own: probes check the deadline lazily and a janitor sweeps, so
// correctness never depends on sweep timing.
type Store struct {
	mu     sync.RWMutex
	bans   map[string]entry
	logger *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{bans: make(map[string]entry), logger: logger}
}

// Insert upserts a ban and re-arms its expiry. A fresh insert for a
// repeat offender overwrites the previous window.
func (s *Store) Insert(fingerprint string, bannedAt time.Time, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[fingerprint] = entry{
		rec:     Record{BannedAt: bannedAt, Duration: duration},
		expires: bannedAt.Add(duration),
	}
	s.logger.Info("client banned",
		zap.String("fingerprint", fingerprint),
		zap.Duration("duration", duration))
}

// Banned is a pure existence probe.
func (s *Store) Banned(fingerprint string) bool {
	s.mu.RLock()
	e, ok := s.bans[fingerprint]
	s.mu.RUnlock()
	return ok && time.Now().Before(e.expires)
}

// Get returns the active ban record, if any.
func (s *Store) Get(fingerprint string) (Record, bool) {
	s.mu.RLock()
	e, ok := s.bans[fingerprint]
	s.mu.RUnlock()
	if !ok || !time.Now().Before(e.expires) {
		return Record{}, false
	}
	return e.rec, true
}

// Remove lifts a ban.
func (s *Store) Remove(fingerprint string) {
	s.mu.Lock()
	delete(s.bans, fingerprint)
	s.mu.Unlock()
}

// Len counts active bans.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, e := range s.bans {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

// Sweep evicts expired entries every interval until ctx is cancelled.
func (s *Store) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for fp, e := range s.bans {
				if !now.Before(e.expires) {
					delete(s.bans, fp)
				}
			}
			s.mu.Unlock()
		}
	}
}
