// Package sqlite implements the key store on an embedded SQLite database.
// It is the default backend for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/telemyapp/aegis-broker/internal/model"
	"github.com/telemyapp/aegis-broker/internal/store"
)

const defaultMaxOpenConns = 4

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path, enables WAL and runs migrations.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxOpenConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS keys (
	name TEXT PRIMARY KEY,
	balance REAL NOT NULL DEFAULT 0,
	rate REAL NOT NULL DEFAULT 0,
	expire_time TEXT NULL,
	port_start INTEGER NOT NULL DEFAULT 0,
	port_end INTEGER NOT NULL DEFAULT 0,
	max_conns INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'ENABLED',
	enable_web INTEGER NOT NULL DEFAULT 0,
	is_single INTEGER NOT NULL DEFAULT 0,
	blocking_message TEXT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS key_aliases (
	name TEXT PRIMARY KEY,
	key_name TEXT NOT NULL REFERENCES keys(name) ON DELETE CASCADE ON UPDATE CASCADE,
	is_single INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_key_aliases_key_name ON key_aliases(key_name);
CREATE TABLE IF NOT EXISTS node_ports (
	key_name TEXT NOT NULL REFERENCES keys(name) ON DELETE CASCADE ON UPDATE CASCADE,
	node TEXT NOT NULL,
	port INTEGER NOT NULL,
	PRIMARY KEY (key_name, node)
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

const selectKeyColumns = `
SELECT name, balance, rate, COALESCE(expire_time, ''), port_start, port_end, max_conns, status,
	enable_web, is_single, COALESCE(blocking_message, ''), created_at, updated_at
FROM keys`

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (*model.Key, error) {
	var k model.Key
	var status string
	var enableWeb, isSingle int
	var created, updated int64
	if err := row.Scan(
		&k.Name, &k.Balance, &k.Rate, &k.ExpireTime, &k.Port.Start, &k.Port.End, &k.MaxConns, &status,
		&enableWeb, &isSingle, &k.BlockingMessage, &created, &updated,
	); err != nil {
		return nil, err
	}
	k.Status = model.KeyStatus(status)
	k.EnableWeb = enableWeb != 0
	k.IsSingle = isSingle != 0
	k.CreatedAt = time.UnixMilli(created).UTC()
	k.UpdatedAt = time.UnixMilli(updated).UTC()
	return &k, nil
}

func (s *Store) GetKey(ctx context.Context, name string) (*model.Key, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, selectKeyColumns+` WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return k, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]model.Key, error) {
	rows, err := s.db.QueryContext(ctx, selectKeyColumns+` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Key, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *Store) CreateKey(ctx context.Context, k model.Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if taken, err := exists(ctx, tx, `SELECT 1 FROM key_aliases WHERE name = ?`, k.Name); err != nil {
		return err
	} else if taken {
		return store.ErrConflict
	}
	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
INSERT INTO keys
	(name, balance, rate, expire_time, port_start, port_end, max_conns, status, enable_web, is_single, blocking_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Name, k.Balance, k.Rate, nullableString(k.ExpireTime), k.Port.Start, k.Port.End, k.MaxConns, string(k.Status),
		boolToInt(k.EnableWeb), boolToInt(k.IsSingle), nullableString(k.BlockingMessage), now, now,
	)
	if err != nil {
		return translateError(err)
	}
	return tx.Commit()
}

func (s *Store) UpdateKeyFields(ctx context.Context, name string, patch model.KeyPatch) error {
	sets := store.PatchAssignments(patch)
	if len(sets) == 0 {
		return nil
	}
	clauses := make([]string, 0, len(sets)+1)
	args := make([]any, 0, len(sets)+2)
	for _, a := range sets {
		clauses = append(clauses, a.Column+" = ?")
		args = append(args, sqliteValue(a.Value))
	}
	clauses = append(clauses, "updated_at = ?")
	args = append(args, s.now().UnixMilli(), name)
	res, err := s.db.ExecContext(ctx, `UPDATE keys SET `+strings.Join(clauses, ", ")+` WHERE name = ?`, args...)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// TransitionStatus is a compare-and-set on the status column.
func (s *Store) TransitionStatus(ctx context.Context, name string, from, to model.KeyStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE keys SET status = ?, updated_at = ? WHERE name = ? AND status = ?`,
		string(to), s.now().UnixMilli(), name, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) DeleteKey(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) RenameKey(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if taken, err := exists(ctx, tx, `SELECT 1 FROM key_aliases WHERE name = ?`, newName); err != nil {
		return err
	} else if taken {
		return store.ErrConflict
	}
	res, err := tx.ExecContext(ctx, `UPDATE keys SET name = ?, updated_at = ? WHERE name = ?`, newName, s.now().UnixMilli(), oldName)
	if err != nil {
		return translateError(err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAlias(ctx context.Context, name string) (*model.Alias, error) {
	var a model.Alias
	var isSingle int
	err := s.db.QueryRowContext(ctx, `SELECT name, key_name, is_single FROM key_aliases WHERE name = ?`, name).
		Scan(&a.Name, &a.Target, &isSingle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.IsSingle = isSingle != 0
	return &a, nil
}

func (s *Store) ListAliases(ctx context.Context, keyName string) ([]model.Alias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, key_name, is_single FROM key_aliases WHERE key_name = ? ORDER BY name ASC`, keyName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Alias, 0)
	for rows.Next() {
		var a model.Alias
		var isSingle int
		if err := rows.Scan(&a.Name, &a.Target, &isSingle); err != nil {
			return nil, err
		}
		a.IsSingle = isSingle != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertAlias(ctx context.Context, a model.Alias) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if shadows, err := exists(ctx, tx, `SELECT 1 FROM keys WHERE name = ?`, a.Name); err != nil {
		return err
	} else if shadows {
		return store.ErrConflict
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO key_aliases (name, key_name, is_single) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET key_name = excluded.key_name, is_single = excluded.is_single`,
		a.Name, a.Target, boolToInt(a.IsSingle))
	if err != nil {
		return translateError(err)
	}
	return tx.Commit()
}

func (s *Store) DeleteAlias(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM key_aliases WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) GetNodePort(ctx context.Context, keyName, node string) (int, error) {
	var port int
	err := s.db.QueryRowContext(ctx, `SELECT port FROM node_ports WHERE key_name = ? AND node = ?`, keyName, node).Scan(&port)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return port, nil
}

func (s *Store) SetNodePort(ctx context.Context, m model.NodePortMapping) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO node_ports (key_name, node, port) VALUES (?, ?, ?)
ON CONFLICT(key_name, node) DO UPDATE SET port = excluded.port`, m.Key, m.Node, m.Port)
	return translateError(err)
}

func (s *Store) DeleteNodePort(ctx context.Context, keyName, node string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM node_ports WHERE key_name = ? AND node = ?`, keyName, node)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeductBalances applies every deduction in one transaction. The balance write
// comes first so the transaction holds the write lock before any status read.
func (s *Store) DeductBalances(ctx context.Context, amounts map[string]float64) ([]string, error) {
	if len(amounts) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	paused := make([]string, 0)
	for _, name := range store.SortedNames(amounts) {
		res, err := tx.ExecContext(ctx, `UPDATE keys SET balance = balance - ?, updated_at = ? WHERE name = ?`, amounts[name], now, name)
		if err != nil {
			return nil, fmt.Errorf("deduct %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		res, err = tx.ExecContext(ctx, `UPDATE keys SET status = ? WHERE name = ? AND status = ? AND balance <= 0`,
			string(model.KeyPaused), name, string(model.KeyEnabled))
		if err != nil {
			return nil, fmt.Errorf("pause %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			paused = append(paused, name)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return paused, nil
}

func exists(ctx context.Context, tx *sql.Tx, q string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	case strings.Contains(msg, "foreign key constraint"):
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	default:
		return err
	}
}

func sqliteValue(v any) any {
	if b, ok := v.(bool); ok {
		return boolToInt(b)
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
