package transcript

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// Entry is one recorded turn.
type Entry struct {
	SessionKey  string `json:"session_key" yaml:"session_key"`
	TurnID      string `json:"turn_id" yaml:"turn_id"`
	Role        string `json:"role" yaml:"role"`
	Text        string `json:"text" yaml:"text"`
	CreatedAtMs int64  `json:"created_at_ms" yaml:"created_at_ms"`
}

// Query describes filters for loading recorded turns.
type Query struct {
	SessionKey string
	SinceMs    int64
	// Limit keeps the most recent entries. Defaults to 200.
	Limit int
}

// SessionSummary describes one session in the transcript.
type SessionSummary struct {
	SessionKey string `json:"session_key" yaml:"session_key"`
	Turns      int    `json:"turns" yaml:"turns"`
	FirstAtMs  int64  `json:"first_at_ms" yaml:"first_at_ms"`
	LastAtMs   int64  `json:"last_at_ms" yaml:"last_at_ms"`
}

// Store is an append-only audit log of relayed turns. It is never read back into
// the live conversation state.
type Store interface {
	Record(ctx context.Context, key history.SessionKey, turns ...history.Turn) error
	// List returns matching entries in the order they were recorded.
	List(ctx context.Context, q Query) ([]Entry, error)
	// Sessions lists sessions, most recently active first.
	Sessions(ctx context.Context, limit int) ([]SessionSummary, error)
	Close() error
}

func entryFromTurn(key history.SessionKey, t history.Turn) Entry {
	return Entry{
		SessionKey:  key.String(),
		TurnID:      t.ID,
		Role:        string(t.Role),
		Text:        t.Text,
		CreatedAtMs: t.Timestamp.UnixMilli(),
	}
}

// Open picks the backend from path: postgres:// URLs use Postgres, ".bolt" and ".bbolt"
// files use bbolt, anything else is a SQLite database.
func Open(path string) (Store, error) {
	if isPostgresURL(path) {
		return NewPostgresStore(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bolt", ".bbolt":
		return NewBoltStore(path)
	}
	dsn, err := DSNForFile(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(dsn)
}
