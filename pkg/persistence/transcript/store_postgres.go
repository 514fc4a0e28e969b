package transcript

import (
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name: "postgres transcript",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			seq BIGSERIAL PRIMARY KEY,
			session_key TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			UNIQUE (session_key, turn_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_by_session_seq ON transcript_entries(session_key, seq);`,
	},
	insert: `
		INSERT INTO transcript_entries(session_key, turn_id, role, text, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT (session_key, turn_id) DO NOTHING
	`,
	rebind: dollarPlaceholders,
}

// PostgresStore shares a transcript between several relay processes.
type PostgresStore struct {
	*sqlStore
}

var _ Store = &PostgresStore{}

// NewPostgresStore connects with a lib/pq connection string or postgres:// URL.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	s, err := openSQL("postgres", dsn, postgresDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}

func isPostgresURL(path string) bool {
	p := strings.ToLower(strings.TrimSpace(path))
	return strings.HasPrefix(p, "postgres://") || strings.HasPrefix(p, "postgresql://")
}

// dollarPlaceholders turns "?" into "$1", "$2", ... Queries here never carry a literal "?".
func dollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
