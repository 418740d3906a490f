package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"nostr-ilp-relay/internal/types"
)

// Dialect selects placeholder syntax for the SQL backend.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		kind INTEGER NOT NULL,
		tags TEXT NOT NULL,
		content TEXT NOT NULL,
		sig TEXT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		received_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_pubkey_idx ON events (pubkey, created_at)`,
	`CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind, created_at)`,
	`CREATE TABLE IF NOT EXISTS event_tags (
		event_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS event_tags_lookup_idx ON event_tags (name, value)`,
	`CREATE INDEX IF NOT EXISTS event_tags_event_idx ON event_tags (event_id)`,
}

const eventColumns = "id, pubkey, created_at, kind, tags, content, sig"

// SQLStore implements EventStore on PostgreSQL or SQLite.
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	maxLimit int
}

// Open connects to databaseURL. postgres:// and postgresql:// URLs use lib/pq;
// anything else is treated as a SQLite DSN (an optional sqlite:// prefix is stripped).
func Open(ctx context.Context, databaseURL string) (*SQLStore, error) {
	driver, dsn, dialect := "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), SQLite
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, dsn, dialect = "postgres", databaseURL, Postgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if dialect == SQLite {
		// a single connection keeps in-memory databases shared and serialises writers
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and applies the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, maxLimit: DefaultQueryLimit}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SetMaxLimit changes the row cap applied to filters without a limit.
func (s *SQLStore) SetMaxLimit(n int) {
	if n > 0 {
		s.maxLimit = n
	}
}

func (s *SQLStore) bind(n int) string {
	if s.dialect == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM events WHERE id = "+s.bind(1), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLStore) Save(ctx context.Context, evt *types.Event) error {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := fmt.Sprintf(
		"INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, deleted, received_at) VALUES (%s, %s, %s, %s, %s, %s, %s, FALSE, %s) ON CONFLICT (id) DO NOTHING",
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5), s.bind(6), s.bind(7), s.bind(8))
	res, err := tx.ExecContext(ctx, insert,
		evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, string(tagsJSON), evt.Content, evt.Sig, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicate
	}

	tagInsert := fmt.Sprintf("INSERT INTO event_tags (event_id, name, value) VALUES (%s, %s, %s)", s.bind(1), s.bind(2), s.bind(3))
	for _, tag := range tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		if _, err := tx.ExecContext(ctx, tagInsert, evt.ID, tag[0], tag[1]); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*types.Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE id = " + s.bind(1) + " AND deleted = FALSE"
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEvent(rows)
}

func (s *SQLStore) QueryByFilters(ctx context.Context, filters types.Filters) ([]*types.Event, error) {
	if len(filters) == 0 {
		filters = types.Filters{{}}
	}
	seen := make(map[string]bool)
	var out []*types.Event
	for i := range filters {
		query, args := s.buildQuery(&filters[i])
		events, err := s.queryEvents(ctx, query, args)
		if err != nil {
			return nil, err
		}
		for _, evt := range events {
			if !seen[evt.ID] {
				seen[evt.ID] = true
				out = append(out, evt)
			}
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *SQLStore) buildQuery(f *types.Filter) (string, []any) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return s.bind(len(args))
	}
	inList := func(column string, n int, value func(i int) any) string {
		ph := make([]string, n)
		for i := 0; i < n; i++ {
			ph[i] = arg(value(i))
		}
		return column + " IN (" + strings.Join(ph, ", ") + ")"
	}

	where = append(where, "deleted = FALSE")
	if len(f.IDs) > 0 {
		where = append(where, inList("id", len(f.IDs), func(i int) any { return f.IDs[i] }))
	}
	if len(f.Authors) > 0 {
		where = append(where, inList("pubkey", len(f.Authors), func(i int) any { return f.Authors[i] }))
	}
	if len(f.Kinds) > 0 {
		where = append(where, inList("kind", len(f.Kinds), func(i int) any { return f.Kinds[i] }))
	}
	if f.Since != nil {
		where = append(where, "created_at >= "+arg(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "created_at <= "+arg(*f.Until))
	}
	for _, name := range f.TagNames() {
		values := f.Tags[name]
		if len(values) == 0 {
			continue
		}
		cond := "EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND t.name = " + arg(name) + " AND " +
			inList("t.value", len(values), func(i int) any { return values[i] }) + ")"
		where = append(where, cond)
	}

	query := "SELECT " + eventColumns + " FROM events WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC, id DESC LIMIT " + arg(filterLimit(f, s.maxLimit))
	return query, args
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args []any) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM event_tags WHERE event_id = "+s.bind(1), id); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = "+s.bind(1), id); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) MarkDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE events SET deleted = TRUE WHERE id = "+s.bind(1), id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var evt types.Event
	var tagsJSON string
	if err := row.Scan(&evt.ID, &evt.PubKey, &evt.CreatedAt, &evt.Kind, &tagsJSON, &evt.Content, &evt.Sig); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &evt.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", evt.ID, err)
	}
	return &evt, nil
}

func sortNewestFirst(events []*types.Event) {
	// Sort by created_at DESC, then by ID DESC for tie-break
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}
