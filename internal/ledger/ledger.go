// Package ledger is the durable record substrate: address-keyed byte
// blobs with an owning program and a deposit, plus an append-only
// journal of applied operations.
//
// Atomicity and isolation between operations live here, not in the
// processing core. Every operation runs inside Execute, which wraps a
// single SQLite transaction: either all of an operation's allocations,
// writes and closes commit, or none do. Allocation at an occupied
// address fails with ErrOccupied, which is the only concurrency-control
// primitive the core needs.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/retroboard/internal/keys"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added UNIQUE constraint on journal.id
const currentSchemaVersion = 1

// Substrate errors. The processing core maps these into its own error
// taxonomy; callers branch with errors.Is.
var (
	// ErrNotFound is returned when no record exists at an address.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrOccupied is returned when allocating at an address that
	// already holds a record.
	ErrOccupied = errors.New("ledger: address already occupied")

	// ErrNotOwner is returned when mutating a record owned by a
	// different program.
	ErrNotOwner = errors.New("ledger: record owned by another program")
)

// Deposit schedule: a flat base plus a per-byte charge, locked into a
// record at allocation and released to a recipient when it is closed.
const (
	depositBase    = 128
	depositPerByte = 8
)

// DepositForSize returns the deposit locked into a record of the given
// data size.
func DepositForSize(size int) uint64 {
	return depositBase + depositPerByte*uint64(size)
}

// Record is a stored ledger record.
type Record struct {
	Addr    keys.Address
	Owner   keys.Identity
	Deposit uint64
	Data    []byte
}

// View is the record surface an operation sees while it executes.
// All mutations through a View belong to one transaction.
type View interface {
	// Get returns the record at addr, or ErrNotFound.
	Get(addr keys.Address) (*Record, error)

	// Allocate creates an empty record of the given size at addr,
	// owned by owner, locking in the corresponding deposit.
	// Fails with ErrOccupied if a record already exists there.
	Allocate(addr keys.Address, owner keys.Identity, size int) error

	// Write replaces the record's bytes. Fails with ErrNotFound if the
	// record does not exist or ErrNotOwner if owner does not match.
	Write(addr keys.Address, owner keys.Identity, data []byte) error

	// CloseRecord deletes the record and credits its deposit to the
	// recipient's balance. Fails with ErrNotFound or ErrNotOwner.
	CloseRecord(addr keys.Address, owner keys.Identity, recipient keys.Identity) error

	// AppendJournal records a successfully applied operation. The row
	// commits or rolls back together with the operation's effects.
	AppendJournal(entry JournalEntry) error
}

// Ledger provides durable storage for records and the journal.
// Uses SQLite with WAL mode for concurrent read access.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens a SQLite-backed ledger at the given path
// (":memory:" for tests). Applies required pragmas and migrations
// automatically; safe to call multiple times on the same path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY surprises and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Execute runs fn against a transactional view. If fn returns an
// error, every mutation made through the view is rolled back and the
// error is returned unchanged.
func (l *Ledger) Execute(ctx context.Context, fn func(View) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	v := &txView{ctx: ctx, tx: tx}
	if err := fn(v); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// Get reads a record outside any transaction. Used by read-only
// callers (CLI show commands, assertions).
func (l *Ledger) Get(ctx context.Context, addr keys.Address) (*Record, error) {
	return getRecord(ctx, l.db, addr)
}

// Balance returns the deposit total credited to an identity from
// closed records. Missing identities have a zero balance.
func (l *Ledger) Balance(ctx context.Context, id keys.Identity) (uint64, error) {
	var v uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT deposit FROM balances WHERE identity = ?`, id.String(),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	return v, nil
}

// querier is the shared surface of *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRecord(ctx context.Context, q querier, addr keys.Address) (*Record, error) {
	var (
		ownerHex string
		deposit  uint64
		data     []byte
	)
	err := q.QueryRowContext(ctx,
		`SELECT owner, deposit, data FROM records WHERE addr = ?`, addr.String(),
	).Scan(&ownerHex, &deposit, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read record: %w", err)
	}

	owner, err := keys.ParseIdentity(ownerHex)
	if err != nil {
		return nil, fmt.Errorf("ledger: corrupt owner column: %w", err)
	}

	return &Record{Addr: addr, Owner: owner, Deposit: deposit, Data: data}, nil
}

// txView implements View over one transaction.
type txView struct {
	ctx context.Context
	tx  *sql.Tx
}

func (v *txView) Get(addr keys.Address) (*Record, error) {
	return getRecord(v.ctx, v.tx, addr)
}

func (v *txView) Allocate(addr keys.Address, owner keys.Identity, size int) error {
	deposit := DepositForSize(size)
	res, err := v.tx.ExecContext(v.ctx, `
		INSERT INTO records (addr, owner, deposit, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(addr) DO NOTHING
	`, addr.String(), owner.String(), deposit, make([]byte, 0))
	if err != nil {
		return fmt.Errorf("ledger: allocate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: allocate: %w", err)
	}
	if n == 0 {
		return ErrOccupied
	}
	return nil
}

func (v *txView) Write(addr keys.Address, owner keys.Identity, data []byte) error {
	rec, err := v.Get(addr)
	if err != nil {
		return err
	}
	if rec.Owner != owner {
		return ErrNotOwner
	}

	if _, err := v.tx.ExecContext(v.ctx,
		`UPDATE records SET data = ? WHERE addr = ?`, data, addr.String(),
	); err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	return nil
}

func (v *txView) CloseRecord(addr keys.Address, owner keys.Identity, recipient keys.Identity) error {
	rec, err := v.Get(addr)
	if err != nil {
		return err
	}
	if rec.Owner != owner {
		return ErrNotOwner
	}

	if _, err := v.tx.ExecContext(v.ctx,
		`DELETE FROM records WHERE addr = ?`, addr.String(),
	); err != nil {
		return fmt.Errorf("ledger: close record: %w", err)
	}

	if _, err := v.tx.ExecContext(v.ctx, `
		INSERT INTO balances (identity, deposit) VALUES (?, ?)
		ON CONFLICT(identity) DO UPDATE SET deposit = deposit + excluded.deposit
	`, recipient.String(), rec.Deposit); err != nil {
		return fmt.Errorf("ledger: credit deposit: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		// New databases get the journal.id UNIQUE constraint from
		// schema.sql; pre-v1 databases need the index added.
		if _, err := db.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_journal_id_unique
			ON journal(id)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}
