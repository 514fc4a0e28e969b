package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SetEvictionConfig sets how long a session may stay idle before it is dropped and
// how often the eviction loop sweeps. A non-positive idle disables eviction.
func (s *Store) SetEvictionConfig(idle, interval time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.evictIdle = idle
	s.evictInterval = interval
	s.mu.Unlock()
}

// StartEvictionLoop sweeps idle sessions until ctx is done. It is a no-op when
// eviction is disabled or a loop is already running.
func (s *Store) StartEvictionLoop(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		panic("history: StartEvictionLoop requires non-nil ctx")
	}
	s.mu.Lock()
	if s.evictRunning {
		s.mu.Unlock()
		return
	}
	idle := s.evictIdle
	interval := s.evictInterval
	if idle <= 0 || interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.evictRunning = true
	s.mu.Unlock()

	go s.runEvictionLoop(ctx, interval)
}

func (s *Store) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.evictRunning = false
			s.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := s.EvictIdleOnce(now); n > 0 {
				log.Debug().Str("component", "history").Int("evicted", n).Int("sessions", s.Sessions()).Msg("evicted idle sessions")
			}
		}
	}
}

// EvictIdleOnce drops every idle, non-busy session and returns how many were dropped.
func (s *Store) EvictIdleOnce(now time.Time) int {
	if s == nil {
		return 0
	}
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	idle := s.evictIdle
	if idle <= 0 {
		s.mu.Unlock()
		return 0
	}
	convs := make([]*conversation, 0, len(s.sessions))
	for _, c := range s.sessions {
		convs = append(convs, c)
	}
	s.mu.Unlock()

	evicted := 0
	for _, c := range convs {
		if !shouldEvict(now, idle, c) {
			continue
		}
		s.mu.Lock()
		current, ok := s.sessions[c.key]
		if !ok || current != c {
			s.mu.Unlock()
			continue
		}
		// re-check under the map lock so an Acquire racing the sweep wins
		if !shouldEvict(now, idle, c) {
			s.mu.Unlock()
			continue
		}
		delete(s.sessions, c.key)
		s.mu.Unlock()
		evicted++
	}
	return evicted
}

func shouldEvict(now time.Time, idle time.Duration, c *conversation) bool {
	c.mu.RLock()
	busy := c.busy
	last := c.lastActivity
	c.mu.RUnlock()
	if busy > 0 || last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
