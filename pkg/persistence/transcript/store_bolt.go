package transcript

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

var (
	boltSessionsBucket = []byte("sessions")
	boltTurnIDsBucket  = []byte("turn_ids")
)

// BoltStore keeps the transcript in a single bbolt file. Every session gets a nested
// bucket of JSON entries keyed by an increasing sequence number.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = &BoltStore{}

func NewBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt transcript: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "bolt transcript: create directory")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "bolt transcript: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltSessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltTurnIDsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "bolt transcript: create buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Record(_ context.Context, key history.SessionKey, turns ...history.Turn) error {
	if s == nil || s.db == nil {
		return errors.New("bolt transcript: db is nil")
	}
	if strings.TrimSpace(key.String()) == "" {
		return errors.New("bolt transcript: session key is empty")
	}
	if len(turns) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	return s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.Bucket(boltSessionsBucket).CreateBucketIfNotExists([]byte(key.String()))
		if err != nil {
			return errors.Wrap(err, "bolt transcript: session bucket")
		}
		ids := tx.Bucket(boltTurnIDsBucket)
		for _, t := range turns {
			e := entryFromTurn(key, t)
			if strings.TrimSpace(e.TurnID) == "" {
				return errors.New("bolt transcript: turn id is empty")
			}
			idKey := []byte(e.SessionKey + "\x00" + e.TurnID)
			if ids.Get(idKey) != nil {
				continue
			}
			if e.CreatedAtMs <= 0 {
				e.CreatedAtMs = now
			}
			seq, err := sb.NextSequence()
			if err != nil {
				return errors.Wrap(err, "bolt transcript: next sequence")
			}
			enc, err := json.Marshal(e)
			if err != nil {
				return errors.Wrap(err, "bolt transcript: encode entry")
			}
			if err := sb.Put(seqKey(seq), enc); err != nil {
				return errors.Wrap(err, "bolt transcript: put entry")
			}
			if err := ids.Put(idKey, seqKey(seq)); err != nil {
				return errors.Wrap(err, "bolt transcript: put turn id")
			}
		}
		return nil
	})
}

func (s *BoltStore) List(_ context.Context, q Query) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("bolt transcript: db is nil")
	}
	key := strings.TrimSpace(q.SessionKey)
	if key == "" {
		return nil, errors.New("bolt transcript: session key required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(boltSessionsBucket).Bucket([]byte(key))
		if sb == nil {
			return nil
		}
		// sequence keys iterate in append order
		entries, err := decodeEntries(sb)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if q.SinceMs > 0 && e.CreatedAtMs < q.SinceMs {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *BoltStore) Sessions(_ context.Context, limit int) ([]SessionSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("bolt transcript: db is nil")
	}
	if limit <= 0 {
		limit = 200
	}

	var out []SessionSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(boltSessionsBucket)
		return root.ForEach(func(k, v []byte) error {
			// nested buckets have a nil value
			if v != nil {
				return nil
			}
			entries, err := decodeEntries(root.Bucket(k))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			ss := SessionSummary{SessionKey: string(k), Turns: len(entries), FirstAtMs: entries[0].CreatedAtMs}
			for _, e := range entries {
				if e.CreatedAtMs < ss.FirstAtMs {
					ss.FirstAtMs = e.CreatedAtMs
				}
				if e.CreatedAtMs > ss.LastAtMs {
					ss.LastAtMs = e.CreatedAtMs
				}
			}
			out = append(out, ss)
			return nil
		})
	})
	if err != nil {
		return nil, err
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

func decodeEntries(b *bolt.Bucket) ([]Entry, error) {
	var entries []Entry
	err := b.ForEach(func(_, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return errors.Wrap(err, "bolt transcript: decode entry")
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
