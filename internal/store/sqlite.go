package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteStore keeps each item as a JSON document next to an indexed
// next_due column that mirrors the due predicate.
type SQLiteStore struct {
	cfg Config
	log logx.Logger

	mu    sync.RWMutex
	db    *sql.DB
	state atomic.Int32

	now func() time.Time
}

func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st := &SQLiteStore{cfg: cfg, log: log, now: time.Now}
	if err := st.connect(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) connect(ctx context.Context) error {
	s.state.Store(int32(Connecting))
	path := s.cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			s.state.Store(int32(Disconnected))
			return err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		s.state.Store(int32(Disconnected))
		return err
	}
	// SQLite prefers a single writer; this also serialises AdvanceItem
	// transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if s.cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		s.state.Store(int32(Disconnected))
		return fmt.Errorf("sqlite migrate: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	s.state.Store(int32(Connected))
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

// classify marks busy/locked and closed-handle errors as transient.
func (s *SQLiteStore) classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return markTransient(err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		s.state.Store(int32(Disconnected))
		return markTransient(err)
	}
	return err
}

func (s *SQLiteStore) FindDueReminders(ctx context.Context, coll domain.Collection, now time.Time, skip, limit int) ([]domain.Item, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT doc FROM items
		 WHERE collection = ? AND next_due IS NOT NULL AND next_due <= ?
		 ORDER BY id LIMIT ? OFFSET ?`,
		string(coll), now.UnixMilli(), limit, skip,
	)
	if err != nil {
		return nil, s.classify(fmt.Errorf("find due %s: %w", coll, err))
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, s.classify(err)
		}
		it, err := decodeItem(doc)
		if err != nil {
			s.log.Warn("skipping malformed item", logx.String("collection", string(coll)), logx.Err(err))
			continue
		}
		out = append(out, it)
	}
	return out, s.classify(rows.Err())
}

func (s *SQLiteStore) AdvanceItem(ctx context.Context, coll domain.Collection, id string, u ItemUpdate) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM items WHERE collection = ? AND id = ?`, string(coll), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("advance %s/%s: %w", coll, id, ErrNotFound)
	}
	if err != nil {
		return s.classify(err)
	}
	it, err := decodeItem(doc)
	if err != nil {
		return fmt.Errorf("advance %s/%s: %w", coll, id, err)
	}
	if u.ExpectedVersion != nil && *u.ExpectedVersion != it.Version {
		return fmt.Errorf("advance %s/%s: %w (have %d, want %d)", coll, id, ErrConflict, it.Version, *u.ExpectedVersion)
	}
	if u.Empty() {
		return nil
	}
	if err := u.Apply(&it, s.now()); err != nil {
		return err
	}
	if err := s.writeItem(ctx, tx, it, true); err != nil {
		return err
	}
	return s.classify(tx.Commit())
}

func (s *SQLiteStore) PutItem(ctx context.Context, it domain.Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = s.now()
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.writeItem(ctx, tx, it, false); err != nil {
		return err
	}
	return s.classify(tx.Commit())
}

func (s *SQLiteStore) writeItem(ctx context.Context, tx *sql.Tx, it domain.Item, update bool) error {
	b, err := json.Marshal(it)
	if err != nil {
		return err
	}
	var due any
	if t, ok := nextDue(it); ok {
		if t.IsZero() {
			due = int64(0)
		} else {
			due = t.UnixMilli()
		}
	}
	if update {
		_, err = tx.ExecContext(ctx,
			`UPDATE items SET doc = ?, next_due = ?, version = ?, updated_at = ? WHERE collection = ? AND id = ?`,
			string(b), due, it.Version, it.UpdatedAt.UnixMilli(), string(it.Collection), it.ID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO items(collection, id, owner_id, doc, next_due, version, updated_at) VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(collection, id) DO UPDATE SET owner_id=excluded.owner_id, doc=excluded.doc,
			   next_due=excluded.next_due, version=excluded.version, updated_at=excluded.updated_at`,
			string(it.Collection), it.ID, it.OwnerID, string(b), due, it.Version, it.UpdatedAt.UnixMilli(),
		)
	}
	return s.classify(err)
}

func (s *SQLiteStore) GetItem(ctx context.Context, coll domain.Collection, id string) (domain.Item, error) {
	db, err := s.handle()
	if err != nil {
		return domain.Item{}, err
	}
	var doc string
	err = db.QueryRowContext(ctx, `SELECT doc FROM items WHERE collection = ? AND id = ?`, string(coll), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, fmt.Errorf("get %s/%s: %w", coll, id, ErrNotFound)
	}
	if err != nil {
		return domain.Item{}, s.classify(err)
	}
	return decodeItem(doc)
}

func (s *SQLiteStore) LookupOwner(ctx context.Context, id string) (domain.Owner, error) {
	db, err := s.handle()
	if err != nil {
		return domain.Owner{}, err
	}
	var doc string
	err = db.QueryRowContext(ctx, `SELECT doc FROM owners WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Owner{}, fmt.Errorf("owner %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Owner{}, s.classify(err)
	}
	var o domain.Owner
	if err := json.Unmarshal([]byte(doc), &o); err != nil {
		return domain.Owner{}, fmt.Errorf("owner %s: decode: %w", id, err)
	}
	return o, nil
}

func (s *SQLiteStore) PutOwner(ctx context.Context, o domain.Owner) error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.New("owner id is required")
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO owners(id, doc) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET doc=excluded.doc`,
		o.ID, string(b),
	)
	return s.classify(err)
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n domain.Notification) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO notifications(id, recipient_id, item_id, created_at, doc) VALUES(?,?,?,?,?)`,
		n.ID, n.RecipientID, n.ItemID, n.CreatedAt.UnixMilli(), string(b),
	)
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("notification %s: %w", n.ID, ErrDuplicate)
	}
	return s.classify(err)
}

// ListNotifications returns a recipient's inbox, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT doc FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC LIMIT ?`,
		recipientID, limit,
	)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, s.classify(err)
		}
		var n domain.Notification
		if err := json.Unmarshal([]byte(doc), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, s.classify(rows.Err())
}

func (s *SQLiteStore) ConnectionState() ConnState {
	return ConnState(s.state.Load())
}

func (s *SQLiteStore) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	old := s.db
	s.db = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.log.Info("sqlite reconnecting", logx.String("path", s.cfg.Path))
	return s.connect(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	s.state.Store(int32(Disconnected))
	if db == nil {
		return nil
	}
	return db.Close()
}

func decodeItem(doc string) (domain.Item, error) {
	var it domain.Item
	if err := json.Unmarshal([]byte(doc), &it); err != nil {
		return domain.Item{}, fmt.Errorf("decode item: %w", err)
	}
	if err := it.Validate(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}
