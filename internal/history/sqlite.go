package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db     *sql.DB
	log    zerolog.Logger
	clock  *stampClock
	closed atomic.Bool
}

func openSQLite(cfg Config, log zerolog.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// One connection serializes writers and keeps id order equal to
	// timestamp order.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, clock: newStampClock()}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, storageErr("migrate", err)
	}
	if err := st.seedClock(context.Background()); err != nil {
		_ = db.Close()
		return nil, storageErr("open", err)
	}

	log.Info().Str("path", path).Msg("sqlite history store ready")
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqliteStore) seedClock(ctx context.Context) error {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM messages ORDER BY id DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if ts, perr := parseStamp(raw.String); perr == nil {
		s.clock.seed(ts)
	}
	return nil
}

func (s *sqliteStore) Append(ctx context.Context, author, text string) (Message, error) {
	if s.closed.Load() {
		return Message{}, storageErr("append", ErrClosed)
	}

	ts := s.clock.next()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(author, text, timestamp) VALUES(?,?,?)`,
		author, text, ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	return Message{ID: id, Author: author, Text: text, Timestamp: ts}, nil
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	if s.closed.Load() {
		return nil, storageErr("recent", ErrClosed)
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, text, timestamp FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("recent", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, min(limit, 256))
	for rows.Next() {
		var (
			m   Message
			raw string
		)
		if err := rows.Scan(&m.ID, &m.Author, &m.Text, &raw); err != nil {
			return nil, storageErr("recent", err)
		}
		if m.Timestamp, err = parseStamp(raw); err != nil {
			s.log.Warn().Err(err).Int64("id", m.ID).Msg("unparseable message timestamp")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("recent", err)
	}

	reverse(msgs)
	return msgs, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func parseStamp(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
