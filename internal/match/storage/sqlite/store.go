// Package sqlite provides a SQLite-backed wave and chat storage
// implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlitemigrate "github.com/nearwave/nearwave/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/nearwave/nearwave/internal/match/storage"
	"github.com/nearwave/nearwave/internal/match/storage/sqlite/migrations"
)

// Store persists wave and chat state in SQLite.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite wave/chat store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// The _pragma form is the one modernc honors; the bare parameters are
	// kept so the DSN stays portable across sqlite drivers.
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate" +
		"&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SetClock overrides the store clock, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// WithinPair runs fn inside one immediate transaction scoped to pairKey.
func (s *Store) WithinPair(ctx context.Context, pairKey string, fn func(tx storage.PairTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	pairKey = strings.TrimSpace(pairKey)
	if pairKey == "" {
		return fmt.Errorf("pair key is required")
	}
	if fn == nil {
		return fmt.Errorf("transaction body is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(fmt.Errorf("begin pair transaction: %w", err))
	}
	ptx := &pairTx{tx: tx, pairKey: pairKey, clock: s.clock}
	if err := fn(ptx); err != nil {
		_ = tx.Rollback()
		return mapSQLiteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(fmt.Errorf("commit pair transaction: %w", err))
	}
	return nil
}

// GetWave loads one wave record.
func (s *Store) GetWave(ctx context.Context, pairKey string) (storage.Wave, error) {
	if err := ctx.Err(); err != nil {
		return storage.Wave{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Wave{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT pair_key, waved_by, updated_at, matched_at FROM waves WHERE pair_key = ?`,
		strings.TrimSpace(pairKey),
	)
	return scanWave(row)
}

// GetChat loads one chat record.
func (s *Store) GetChat(ctx context.Context, pairKey string) (storage.Chat, error) {
	if err := ctx.Err(); err != nil {
		return storage.Chat{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Chat{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT pair_key, user_lo, user_hi, created_at, last_message_at FROM chats WHERE pair_key = ?`,
		strings.TrimSpace(pairKey),
	)
	return scanChat(row)
}

// ListChats returns the chats userID participates in, most recent activity
// first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]storage.Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT pair_key, user_lo, user_hi, created_at, last_message_at
		 FROM chats
		 WHERE user_lo = ? OR user_hi = ?
		 ORDER BY last_message_at DESC, pair_key ASC`,
		userID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var chats []storage.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWave(row rowScanner) (storage.Wave, error) {
	var (
		wave      storage.Wave
		wavedBy   string
		updatedAt int64
		matchedAt sql.NullInt64
	)
	err := row.Scan(&wave.PairKey, &wavedBy, &updatedAt, &matchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Wave{}, storage.ErrNotFound
		}
		return storage.Wave{}, fmt.Errorf("scan wave: %w", err)
	}
	if err := json.Unmarshal([]byte(wavedBy), &wave.WavedBy); err != nil {
		return storage.Wave{}, fmt.Errorf("decode waved_by: %w", err)
	}
	wave.UpdatedAt = fromMillis(updatedAt)
	if matchedAt.Valid {
		wave.MatchedAt = fromMillis(matchedAt.Int64)
	}
	return wave, nil
}

func scanChat(row rowScanner) (storage.Chat, error) {
	var (
		chat          storage.Chat
		userLo        string
		userHi        string
		createdAt     int64
		lastMessageAt int64
	)
	err := row.Scan(&chat.PairKey, &userLo, &userHi, &createdAt, &lastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Chat{}, storage.ErrNotFound
		}
		return storage.Chat{}, fmt.Errorf("scan chat: %w", err)
	}
	chat.Participants = []string{userLo, userHi}
	chat.CreatedAt = fromMillis(createdAt)
	chat.LastMessageAt = fromMillis(lastMessageAt)
	return chat, nil
}

type pairTx struct {
	tx      *sql.Tx
	pairKey string
	clock   func() time.Time
}

func (p *pairTx) Wave() (storage.Wave, bool, error) {
	row := p.tx.QueryRow(
		`SELECT pair_key, waved_by, updated_at, matched_at FROM waves WHERE pair_key = ?`,
		p.pairKey,
	)
	wave, err := scanWave(row)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Wave{}, false, nil
		}
		return storage.Wave{}, false, err
	}
	return wave, true, nil
}

func (p *pairTx) PutWave(wavedBy []string, matched bool) (storage.Wave, error) {
	sorted := append([]string(nil), wavedBy...)
	sort.Strings(sorted)
	encoded, err := json.Marshal(sorted)
	if err != nil {
		return storage.Wave{}, fmt.Errorf("encode waved_by: %w", err)
	}
	now := toMillis(p.clock())

	if matched {
		// COALESCE keeps an earlier matched_at: it is assigned exactly once.
		_, err = p.tx.Exec(
			`INSERT INTO waves (pair_key, waved_by, updated_at, matched_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (pair_key) DO UPDATE SET
			   waved_by = excluded.waved_by,
			   updated_at = excluded.updated_at,
			   matched_at = COALESCE(waves.matched_at, excluded.matched_at)`,
			p.pairKey, string(encoded), now, now,
		)
	} else {
		_, err = p.tx.Exec(
			`INSERT INTO waves (pair_key, waved_by, updated_at, matched_at)
			 VALUES (?, ?, ?, NULL)
			 ON CONFLICT (pair_key) DO UPDATE SET
			   waved_by = excluded.waved_by,
			   updated_at = excluded.updated_at`,
			p.pairKey, string(encoded), now,
		)
	}
	if err != nil {
		return storage.Wave{}, fmt.Errorf("put wave: %w", err)
	}

	row := p.tx.QueryRow(
		`SELECT pair_key, waved_by, updated_at, matched_at FROM waves WHERE pair_key = ?`,
		p.pairKey,
	)
	return scanWave(row)
}

func (p *pairTx) Chat() (storage.Chat, bool, error) {
	row := p.tx.QueryRow(
		`SELECT pair_key, user_lo, user_hi, created_at, last_message_at FROM chats WHERE pair_key = ?`,
		p.pairKey,
	)
	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Chat{}, false, nil
		}
		return storage.Chat{}, false, err
	}
	return chat, true, nil
}

func (p *pairTx) EnsureChat(participants []string) (storage.Chat, error) {
	if len(participants) != 2 {
		return storage.Chat{}, fmt.Errorf("chat requires exactly two participants, got %d", len(participants))
	}
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	if sorted[0] == sorted[1] {
		return storage.Chat{}, fmt.Errorf("chat participants must be distinct")
	}
	now := toMillis(p.clock())

	// created_at is written once and never reset; a re-derived chat only
	// refreshes last_message_at.
	_, err := p.tx.Exec(
		`INSERT INTO chats (pair_key, user_lo, user_hi, created_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (pair_key) DO UPDATE SET
		   last_message_at = excluded.last_message_at`,
		p.pairKey, sorted[0], sorted[1], now, now,
	)
	if err != nil {
		return storage.Chat{}, fmt.Errorf("ensure chat: %w", err)
	}

	row := p.tx.QueryRow(
		`SELECT pair_key, user_lo, user_hi, created_at, last_message_at FROM chats WHERE pair_key = ?`,
		p.pairKey,
	)
	return scanChat(row)
}

// mapSQLiteErr converts serialization failures into storage.ErrConflict so
// the engine can retry them.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		if code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED {
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		}
	}
	return err
}
