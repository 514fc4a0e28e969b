package transcript

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// InMemoryStore keeps entries in append order like the other stores. Useful for tests and for
// running without a database file.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
	seen    map[string]struct{}
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: map[string][]Entry{},
		seen:    map[string]struct{}{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Record(_ context.Context, key history.SessionKey, turns ...history.Turn) error {
	if s == nil {
		return errors.New("in-memory transcript: nil store")
	}
	if strings.TrimSpace(key.String()) == "" {
		return errors.New("in-memory transcript: session key is empty")
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range turns {
		e := entryFromTurn(key, t)
		if strings.TrimSpace(e.TurnID) == "" {
			return errors.New("in-memory transcript: turn id is empty")
		}
		id := e.SessionKey + "\x00" + e.TurnID
		if _, ok := s.seen[id]; ok {
			continue
		}
		if e.CreatedAtMs <= 0 {
			e.CreatedAtMs = now
		}
		s.seen[id] = struct{}{}
		s.entries[e.SessionKey] = append(s.entries[e.SessionKey], e)
	}
	return nil
}

func (s *InMemoryStore) List(_ context.Context, q Query) ([]Entry, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript: nil store")
	}
	key := strings.TrimSpace(q.SessionKey)
	if key == "" {
		return nil, errors.New("in-memory transcript: session key required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries[key] {
		if q.SinceMs > 0 && e.CreatedAtMs < q.SinceMs {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) Sessions(_ context.Context, limit int) ([]SessionSummary, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript: nil store")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSummary, 0, len(s.entries))
	for key, entries := range s.entries {
		if len(entries) == 0 {
			continue
		}
		ss := SessionSummary{SessionKey: key, Turns: len(entries), FirstAtMs: entries[0].CreatedAtMs}
		for _, e := range entries {
			if e.CreatedAtMs < ss.FirstAtMs {
				ss.FirstAtMs = e.CreatedAtMs
			}
			if e.CreatedAtMs > ss.LastAtMs {
				ss.LastAtMs = e.CreatedAtMs
			}
		}
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAtMs == out[j].LastAtMs {
			return out[i].SessionKey < out[j].SessionKey
		}
		return out[i].LastAtMs > out[j].LastAtMs
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
