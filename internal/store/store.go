package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/aegis-broker/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("name already in use")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

const Schema = `
create table if not exists keys (
  name text primary key,
  balance double precision not null default 0,
  rate double precision not null default 0,
  expire_time text,
  port_start integer not null default 0,
  port_end integer not null default 0,
  max_conns integer not null default 0,
  status text not null default 'ENABLED',
  enable_web boolean not null default false,
  is_single boolean not null default false,
  blocking_message text,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);
create table if not exists key_aliases (
  name text primary key,
  key_name text not null references keys(name) on delete cascade on update cascade,
  is_single boolean not null default false
);
create index if not exists idx_key_aliases_key_name on key_aliases(key_name);
create table if not exists node_ports (
  key_name text not null references keys(name) on delete cascade on update cascade,
  node text not null,
  port integer not null,
  primary key (key_name, node)
);`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

const selectKeyColumns = `
select name, balance, rate, coalesce(expire_time, ''), port_start, port_end, max_conns, status,
       enable_web, is_single, coalesce(blocking_message, ''), created_at, updated_at
from keys`

func scanKey(row pgx.Row) (*model.Key, error) {
	var k model.Key
	var status string
	if err := row.Scan(
		&k.Name, &k.Balance, &k.Rate, &k.ExpireTime, &k.Port.Start, &k.Port.End, &k.MaxConns, &status,
		&k.EnableWeb, &k.IsSingle, &k.BlockingMessage, &k.CreatedAt, &k.UpdatedAt,
	); err != nil {
		return nil, err
	}
	k.Status = model.KeyStatus(status)
	return &k, nil
}

func (s *Store) GetKey(ctx context.Context, name string) (*model.Key, error) {
	k, err := scanKey(s.db.QueryRow(ctx, selectKeyColumns+` where name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return k, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]model.Key, error) {
	rows, err := s.db.Query(ctx, selectKeyColumns+` order by name asc`)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateKey(ctx context.Context, k model.Key) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var taken bool
	if err := tx.QueryRow(ctx, `select exists(select 1 from key_aliases where name = $1)`, k.Name).Scan(&taken); err != nil {
		return err
	}
	if taken {
		return ErrConflict
	}

	const q = `
insert into keys
  (name, balance, rate, expire_time, port_start, port_end, max_conns, status, enable_web, is_single, blocking_message, created_at, updated_at)
values
  ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8, $9, $10, nullif($11, ''), $12, $12)`
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, q,
		k.Name, k.Balance, k.Rate, k.ExpireTime, k.Port.Start, k.Port.End, k.MaxConns, string(k.Status),
		k.EnableWeb, k.IsSingle, k.BlockingMessage, now,
	); err != nil {
		return translatePgError(err)
	}
	return tx.Commit(ctx)
}

// Assignment is one column update produced from a KeyPatch.
type Assignment struct {
	Column string
	Value  any
}

// PatchAssignments flattens a KeyPatch into column assignments in a stable order.
func PatchAssignments(p model.KeyPatch) []Assignment {
	out := make([]Assignment, 0, 10)
	if p.Balance != nil {
		out = append(out, Assignment{"balance", *p.Balance})
	}
	if p.Rate != nil {
		out = append(out, Assignment{"rate", *p.Rate})
	}
	if p.ExpireTime != nil {
		out = append(out, Assignment{"expire_time", nullIfEmpty(*p.ExpireTime)})
	}
	if p.Port != nil {
		out = append(out, Assignment{"port_start", p.Port.Start}, Assignment{"port_end", p.Port.End})
	}
	if p.MaxConns != nil {
		out = append(out, Assignment{"max_conns", *p.MaxConns})
	}
	if p.Status != nil {
		out = append(out, Assignment{"status", string(*p.Status)})
	}
	if p.EnableWeb != nil {
		out = append(out, Assignment{"enable_web", *p.EnableWeb})
	}
	if p.IsSingle != nil {
		out = append(out, Assignment{"is_single", *p.IsSingle})
	}
	if p.BlockingMessage != nil {
		out = append(out, Assignment{"blocking_message", nullIfEmpty(*p.BlockingMessage)})
	}
	return out
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) UpdateKeyFields(ctx context.Context, name string, patch model.KeyPatch) error {
	sets := PatchAssignments(patch)
	if len(sets) == 0 {
		return nil
	}
	clauses := make([]string, 0, len(sets)+1)
	args := make([]any, 0, len(sets)+1)
	args = append(args, name)
	for _, a := range sets {
		args = append(args, a.Value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", a.Column, len(args)))
	}
	clauses = append(clauses, "updated_at = now()")
	q := `update keys set ` + strings.Join(clauses, ", ") + ` where name = $1`
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves name from status from to status to. It reports false,
// without error, when the stored status is no longer from.
func (s *Store) TransitionStatus(ctx context.Context, name string, from, to model.KeyStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `update keys set status = $3, updated_at = now() where name = $1 and status = $2`, name, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteKey(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `delete from keys where name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RenameKey(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var taken bool
	if err := tx.QueryRow(ctx, `select exists(select 1 from key_aliases where name = $1)`, newName).Scan(&taken); err != nil {
		return err
	}
	if taken {
		return ErrConflict
	}
	tag, err := tx.Exec(ctx, `update keys set name = $2, updated_at = now() where name = $1`, oldName, newName)
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *Store) GetAlias(ctx context.Context, name string) (*model.Alias, error) {
	var a model.Alias
	err := s.db.QueryRow(ctx, `select name, key_name, is_single from key_aliases where name = $1`, name).
		Scan(&a.Name, &a.Target, &a.IsSingle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAliases(ctx context.Context, keyName string) ([]model.Alias, error) {
	rows, err := s.db.Query(ctx, `select name, key_name, is_single from key_aliases where key_name = $1 order by name asc`, keyName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Alias, 0)
	for rows.Next() {
		var a model.Alias
		if err := rows.Scan(&a.Name, &a.Target, &a.IsSingle); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertAlias(ctx context.Context, a model.Alias) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var shadowsKey bool
	if err := tx.QueryRow(ctx, `select exists(select 1 from keys where name = $1)`, a.Name).Scan(&shadowsKey); err != nil {
		return err
	}
	if shadowsKey {
		return ErrConflict
	}
	const q = `
insert into key_aliases (name, key_name, is_single)
values ($1, $2, $3)
on conflict (name)
do update set key_name = excluded.key_name, is_single = excluded.is_single`
	if _, err := tx.Exec(ctx, q, a.Name, a.Target, a.IsSingle); err != nil {
		return translatePgError(err)
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteAlias(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `delete from key_aliases where name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetNodePort(ctx context.Context, keyName, node string) (int, error) {
	var port int
	err := s.db.QueryRow(ctx, `select port from node_ports where key_name = $1 and node = $2`, keyName, node).Scan(&port)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return port, nil
}

func (s *Store) SetNodePort(ctx context.Context, m model.NodePortMapping) error {
	const q = `
insert into node_ports (key_name, node, port)
values ($1, $2, $3)
on conflict (key_name, node)
do update set port = excluded.port`
	if _, err := s.db.Exec(ctx, q, m.Key, m.Node, m.Port); err != nil {
		return translatePgError(err)
	}
	return nil
}

func (s *Store) DeleteNodePort(ctx context.Context, keyName, node string) error {
	tag, err := s.db.Exec(ctx, `delete from node_ports where key_name = $1 and node = $2`, keyName, node)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const deductQuery = `
with prev as (
  select name, status from keys where name = $1 for update
)
update keys k
set balance = k.balance - $2,
    status = case when k.status = 'ENABLED' and k.balance - $2 <= 0 then 'PAUSED' else k.status end,
    updated_at = now()
from prev
where k.name = prev.name
returning prev.status, k.status`

// DeductBalances applies every deduction in one transaction and pauses any
// ENABLED key whose balance drops to zero or below. It returns the keys that
// were paused by this call. Names that no longer exist are skipped.
func (s *Store) DeductBalances(ctx context.Context, amounts map[string]float64) ([]string, error) {
	if len(amounts) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	paused := make([]string, 0)
	for _, name := range SortedNames(amounts) {
		var before, after string
		err := tx.QueryRow(ctx, deductQuery, name, amounts[name]).Scan(&before, &after)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("deduct %s: %w", name, err)
		}
		if before != after && after == string(model.KeyPaused) {
			paused = append(paused, name)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return paused, nil
}

// SortedNames orders deduction targets so concurrent writers lock rows in the
// same order.
func SortedNames(amounts map[string]float64) []string {
	names := make([]string, 0, len(amounts))
	for name := range amounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	case "23503":
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.Detail)
	default:
		return err
	}
}
