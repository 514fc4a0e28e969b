package transcript

import (
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var sqliteDialect = dialect{
	name: "sqlite transcript",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			UNIQUE (session_key, turn_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_by_session_seq ON transcript_entries(session_key, seq);`,
	},
	insert: `
		INSERT OR IGNORE INTO transcript_entries(session_key, turn_id, role, text, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
	`,
}

type SQLiteStore struct {
	*sqlStore
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	s, err := openSQL("sqlite3", dsn, sqliteDialect)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}

func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}
