package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// SQLite is the vault backed by a local SQLite database.
type SQLite struct {
	db     *sqlx.DB
	mu     sync.RWMutex
	sealer *sealer
	now    func() time.Time
}

// Open opens (or creates) the vault at path and applies pending migrations.
// When key is non-empty real values are sealed at rest.
func Open(path, key string) (*SQLite, error) {
	sl, err := newSealer(key)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("vault: open sqlite: %w", err)
	}
	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("vault: opened", "path", path, "sealed", sl != nil)
	return &SQLite{db: db, sealer: sl, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSession returns a fresh session id. It has no side effects; the
// session exists once a mapping is stored under it.
func (s *SQLite) CreateSession() string {
	return uuid.NewString()
}

// StoreMapping stores all entries for sid in one transaction. Either every
// entry is stored or none is.
func (s *SQLite) StoreMapping(ctx context.Context, sid string, entries []Entry) error {
	if sid == "" {
		return ErrEmptySession
	}
	if len(entries) == 0 {
		return nil
	}

	reals := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := reals[e.Real]; dup {
			return fmt.Errorf("vault: store mapping: duplicate real value for %s", e.Fake)
		}
		reals[e.Real] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().UnixNano()
	for _, e := range entries {
		sealed, err := s.sealer.seal(e.Real)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mappings (session_id, real_val, fake_val, type, created_at) VALUES (?, ?, ?, ?, ?)`,
			sid, sealed, e.Fake, e.Kind, now); err != nil {
			return fmt.Errorf("vault: insert mapping %s: %w", e.Fake, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: commit: %w", err)
	}
	return nil
}

type pairRow struct {
	Fake string `db:"fake_val"`
	Real string `db:"real_val"`
}

// Mappings returns the fake → real map for sid. An unknown session yields an
// empty map.
func (s *SQLite) Mappings(ctx context.Context, sid string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []pairRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT fake_val, real_val FROM mappings WHERE session_id = ?`, sid); err != nil {
		return nil, fmt.Errorf("vault: mappings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		val, err := s.sealer.open(r.Real)
		if err != nil {
			return nil, err
		}
		out[r.Fake] = val
	}
	return out, nil
}

// RealByFake resolves fake across all sessions. When several sessions used
// the same fake, the most recently stored mapping wins.
func (s *SQLite) RealByFake(ctx context.Context, fake string) (string, error) {
	return s.getReal(ctx,
		`SELECT real_val FROM mappings WHERE fake_val = ? ORDER BY created_at DESC, id DESC LIMIT 1`, fake)
}

// RealValue returns the real value of the mapping with the given id.
func (s *SQLite) RealValue(ctx context.Context, id int64) (string, error) {
	return s.getReal(ctx, `SELECT real_val FROM mappings WHERE id = ?`, id)
}

func (s *SQLite) getReal(ctx context.Context, query string, arg any) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stored string
	if err := s.db.GetContext(ctx, &stored, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("vault: lookup: %w", err)
	}
	return s.sealer.open(stored)
}

type mappingRow struct {
	ID        int64  `db:"id"`
	SessionID string `db:"session_id"`
	FakeValue string `db:"fake_val"`
	Kind      string `db:"type"`
	CreatedAt int64  `db:"created_at"`
}

// AllMappings lists mappings newest first without their real values.
func (s *SQLite) AllMappings(ctx context.Context, limit, offset int) ([]Mapping, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []mappingRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, session_id, fake_val, type, created_at FROM mappings
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset); err != nil {
		return nil, fmt.Errorf("vault: list mappings: %w", err)
	}
	out := make([]Mapping, len(rows))
	for i, r := range rows {
		out[i] = Mapping{
			ID:        r.ID,
			SessionID: r.SessionID,
			FakeValue: r.FakeValue,
			Kind:      r.Kind,
			CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
		}
	}
	return out, nil
}

type logRow struct {
	ID        int64  `db:"id"`
	EventType string `db:"event_type"`
	Message   string `db:"message"`
	CreatedAt int64  `db:"created_at"`
}

// RecentLogs returns up to limit audit events, newest first.
func (s *SQLite) RecentLogs(ctx context.Context, limit int) ([]LogEvent, error) {
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, event_type, message, created_at FROM logs ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit); err != nil {
		return nil, fmt.Errorf("vault: recent logs: %w", err)
	}
	out := make([]LogEvent, len(rows))
	for i, r := range rows {
		out[i] = LogEvent{
			ID:        r.ID,
			EventType: EventType(r.EventType),
			Message:   r.Message,
			Timestamp: time.Unix(0, r.CreatedAt).UTC(),
		}
	}
	return out, nil
}

// LogEvent appends an audit event.
func (s *SQLite) LogEvent(ctx context.Context, typ EventType, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (event_type, message, created_at) VALUES (?, ?, ?)`,
		string(typ), message, s.now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("vault: log event: %w", err)
	}
	return nil
}

type countRow struct {
	Key string `db:"k"`
	N   int    `db:"n"`
}

// Stats computes counters from the stored rows.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Events: map[string]int{}, ByKind: map[string]int{}}

	var events []countRow
	if err := s.db.SelectContext(ctx, &events,
		`SELECT event_type AS k, COUNT(*) AS n FROM logs GROUP BY event_type`); err != nil {
		return Stats{}, fmt.Errorf("vault: stats events: %w", err)
	}
	for _, r := range events {
		st.Events[r.Key] = r.N
	}
	st.ThreatsNeutralized = st.Events[string(EventIntercept)]

	var totals struct {
		Mappings int `db:"mappings"`
		Sessions int `db:"sessions"`
	}
	if err := s.db.GetContext(ctx, &totals,
		`SELECT COUNT(*) AS mappings, COUNT(DISTINCT session_id) AS sessions FROM mappings`); err != nil {
		return Stats{}, fmt.Errorf("vault: stats mappings: %w", err)
	}
	st.PIIMasked = totals.Mappings
	st.Sessions = totals.Sessions

	var kinds []countRow
	if err := s.db.SelectContext(ctx, &kinds,
		`SELECT type AS k, COUNT(*) AS n FROM mappings GROUP BY type`); err != nil {
		return Stats{}, fmt.Errorf("vault: stats kinds: %w", err)
	}
	for _, r := range kinds {
		st.ByKind[r.Key] = r.N
	}
	return st, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
