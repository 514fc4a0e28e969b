package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Store.
type Options struct {
	// MaxTurns caps the turns kept per session. The oldest turns are dropped first.
	// Zero keeps everything.
	MaxTurns int
	// Now overrides the clock used for activity tracking.
	Now func() time.Time
}

// Store holds one conversation per session key.
//
// The store mutex only guards the key -> conversation map. Each conversation carries
// its own lock, so sessions never contend with each other and no lock is ever held
// while a caller talks to the network.
type Store struct {
	mu       sync.Mutex
	sessions map[SessionKey]*conversation
	maxTurns int
	now      func() time.Time

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

type conversation struct {
	key SessionKey

	mu           sync.RWMutex
	turns        []Turn
	lastActivity time.Time
	busy         int
}

func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxTurns := opts.MaxTurns
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &Store{
		sessions: map[SessionKey]*conversation{},
		maxTurns: maxTurns,
		now:      now,
	}
}

// Handle is scoped to a single session.
type Handle struct {
	store *Store
	conv  *conversation
}

// GetOrCreate returns the handle for key, creating an empty conversation on first use.
func (s *Store) GetOrCreate(key SessionKey) *Handle {
	return &Handle{store: s, conv: s.getOrCreate(key)}
}

// Acquire is GetOrCreate plus marking the session busy until Release is called.
// Busy sessions are never evicted.
func (s *Store) Acquire(key SessionKey) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	// busy is bumped under the map lock so the eviction sweep cannot drop the
	// conversation between lookup and pin
	conv := s.getOrCreateLocked(key)
	conv.mu.Lock()
	conv.busy++
	conv.lastActivity = s.now()
	conv.mu.Unlock()
	return &Handle{store: s, conv: conv}
}

func (s *Store) getOrCreate(key SessionKey) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(key)
}

func (s *Store) getOrCreateLocked(key SessionKey) *conversation {
	if c, ok := s.sessions[key]; ok {
		return c
	}
	c := &conversation{key: key, lastActivity: s.now()}
	s.sessions[key] = c
	return c
}

func (s *Store) lookup(key SessionKey) (*conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[key]
	return c, ok
}

// Snapshot returns a copy of the session history. Unknown keys yield an empty snapshot.
func (s *Store) Snapshot(key SessionKey) []Turn {
	c, ok := s.lookup(key)
	if !ok {
		return []Turn{}
	}
	return c.snapshot()
}

// Append adds turns to the end of the session history as a single unit.
func (s *Store) Append(key SessionKey, turns ...Turn) {
	s.getOrCreate(key).append(s, turns)
}

// Len reports the number of turns stored for key.
func (s *Store) Len(key SessionKey) int {
	c, ok := s.lookup(key)
	if !ok {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Sessions reports how many conversations are currently held.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Keys lists the session keys currently held, in no particular order.
func (s *Store) Keys() []SessionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]SessionKey, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Reset drops the conversation for key. Handles obtained earlier keep pointing at the
// detached conversation; the next GetOrCreate starts from an empty history.
func (s *Store) Reset(key SessionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return false
	}
	delete(s.sessions, key)
	return true
}

func (c *conversation) snapshot() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *conversation) append(s *Store, turns []Turn) {
	if len(turns) == 0 {
		return
	}
	now := s.now()
	prepared := make([]Turn, len(turns))
	for i, t := range turns {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		prepared[i] = t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, prepared...)
	if s.maxTurns > 0 && len(c.turns) > s.maxTurns {
		// copy into a fresh slice so snapshots handed out earlier never alias the kept tail
		kept := make([]Turn, s.maxTurns)
		copy(kept, c.turns[len(c.turns)-s.maxTurns:])
		c.turns = kept
	}
	c.lastActivity = now
}

// Key returns the session key of the handle.
func (h *Handle) Key() SessionKey { return h.conv.key }

func (h *Handle) Snapshot() []Turn { return h.conv.snapshot() }

func (h *Handle) Append(turns ...Turn) { h.conv.append(h.store, turns) }

func (h *Handle) Len() int {
	h.conv.mu.RLock()
	defer h.conv.mu.RUnlock()
	return len(h.conv.turns)
}

// Release undoes one Acquire.
func (h *Handle) Release() {
	h.conv.mu.Lock()
	defer h.conv.mu.Unlock()
	if h.conv.busy > 0 {
		h.conv.busy--
	}
	h.conv.lastActivity = h.store.now()
}
