package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// dialect holds what differs between the SQL backends.
type dialect struct {
	name   string
	schema []string
	insert string
	// rebind rewrites "?" placeholders for drivers that number them.
	rebind func(query string) string
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func openSQL(driver, dsn string, d dialect) (*sqlStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.Errorf("%s: empty dsn", d.name)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &sqlStore{db: db, d: d}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) errorf(format string, args ...any) error {
	return errors.Errorf(s.d.name+": "+format, args...)
}

func (s *sqlStore) wrap(err error, what string) error {
	return errors.Wrap(err, s.d.name+": "+what)
}

func (s *sqlStore) q(query string) string {
	if s.d.rebind == nil {
		return query
	}
	return s.d.rebind(query)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sql transcript: db is nil")
	}
	for _, st := range s.d.schema {
		if _, err := s.db.Exec(st); err != nil {
			return s.wrap(err, "migrate")
		}
	}
	return nil
}

// Record writes the turns in one transaction. Re-recording a turn ID is a no-op.
func (s *sqlStore) Record(ctx context.Context, key history.SessionKey, turns ...history.Turn) error {
	if s == nil || s.db == nil {
		return errors.New("sql transcript: db is nil")
	}
	if ctx == nil {
		return s.errorf("ctx is nil")
	}
	if strings.TrimSpace(key.String()) == "" {
		return s.errorf("session key is empty")
	}
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UnixMilli()
	insert := s.q(s.d.insert)
	for _, t := range turns {
		e := entryFromTurn(key, t)
		if strings.TrimSpace(e.TurnID) == "" {
			return s.errorf("turn id is empty")
		}
		if e.CreatedAtMs <= 0 {
			e.CreatedAtMs = now
		}
		if _, err := tx.ExecContext(ctx, insert, e.SessionKey, e.TurnID, e.Role, e.Text, e.CreatedAtMs); err != nil {
			return s.wrap(err, "insert entry")
		}
	}

	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit tx")
	}
	committed = true
	return nil
}

func (s *sqlStore) List(ctx context.Context, q Query) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql transcript: db is nil")
	}
	if ctx == nil {
		return nil, s.errorf("ctx is nil")
	}
	if strings.TrimSpace(q.SessionKey) == "" {
		return nil, s.errorf("session key required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{"session_key = ?"}
	args := []any{strings.TrimSpace(q.SessionKey)}
	if q.SinceMs > 0 {
		clauses = append(clauses, "created_at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	args = append(args, limit)

	// append order, newest first so the limit keeps the tail; reversed below
	query := fmt.Sprintf(`
		SELECT session_key, turn_id, role, text, created_at_ms
		FROM transcript_entries
		WHERE %s
		ORDER BY seq DESC
		LIMIT ?
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(err, "query entries")
	}
	defer func() { _ = rows.Close() }()

	var items []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionKey, &e.TurnID, &e.Role, &e.Text, &e.CreatedAtMs); err != nil {
			return nil, s.wrap(err, "scan entry")
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "iterate entries")
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *sqlStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql transcript: db is nil")
	}
	if ctx == nil {
		return nil, s.errorf("ctx is nil")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT session_key, COUNT(1), MIN(created_at_ms), MAX(created_at_ms)
		FROM transcript_entries
		GROUP BY session_key
		ORDER BY MAX(created_at_ms) DESC, session_key ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, s.wrap(err, "query sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.SessionKey, &ss.Turns, &ss.FirstAtMs, &ss.LastAtMs); err != nil {
			return nil, s.wrap(err, "scan session")
		}
		out = append(out, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "iterate sessions")
	}
	return out, nil
}
