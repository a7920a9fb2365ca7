// Package engine wraps the embedded SQLite engine. A tenant database is a
// single file; the engine treats it as such and exposes only the
// operations the data plane needs: query, write, snapshot, and schema
// manipulation.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default engine errs class.
	Error = errs.Class("engine")
)

// DB is an open tenant database.
type DB struct {
	db *sql.DB
}

// Open opens the database file at path for reading and writing.
func Open(path string) (*DB, error) {
	return open("file:" + path + "?_busy_timeout=5000")
}

// OpenReadOnly opens the database file at path for reading only.
func OpenReadOnly(path string) (*DB, error) {
	return open("file:" + path + "?mode=ro&_busy_timeout=5000")
}

// OpenMemory opens a fresh in-memory database.
func OpenMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// A single connection keeps pragmas and transactions on the same
	// underlying sqlite handle.
	db.SetMaxOpenConns(1)
	return &DB{db: db}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// QueryRows executes a single statement and materializes every row as a
// column-name to value mapping, in result order.
func (db *DB) QueryRows(ctx context.Context, query string) (_ []map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanned := make([]interface{}, len(columns))
		for i := range values {
			scanned[i] = &values[i]
		}
		if err := rows.Scan(scanned...); err != nil {
			return nil, Error.Wrap(err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			value := values[i]
			// JSON has no byte-slice representation; return text.
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[column] = value
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return results, nil
}

// Exec executes a statement and returns the number of affected rows.
func (db *DB) Exec(ctx context.Context, stmt string) (rowsAffected int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return rowsAffected, nil
}

// SnapshotTo writes a compact, transactionally consistent copy of the
// database to dst using VACUUM INTO.
func (db *DB) SnapshotTo(ctx context.Context, dst string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = db.db.ExecContext(ctx, "VACUUM INTO ?", dst)
	return Error.Wrap(err)
}

// SchemaDump returns the DDL of every persisted object as a single
// script.
func (db *DB) SchemaDump(ctx context.Context) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%' ORDER BY rowid`)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var stmts []string
	for rows.Next() {
		var ddl string
		if err := rows.Scan(&ddl); err != nil {
			return "", Error.Wrap(err)
		}
		stmts = append(stmts, strings.TrimRight(ddl, "; \n")+";")
	}
	if err := rows.Err(); err != nil {
		return "", Error.Wrap(err)
	}
	return strings.Join(stmts, "\n"), nil
}

// Begin starts a transaction.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is an open transaction.
type Tx struct {
	tx *sql.Tx
}

// Exec executes a statement inside the transaction.
func (tx *Tx) Exec(ctx context.Context, stmt string) error {
	_, err := tx.tx.ExecContext(ctx, stmt)
	return Error.Wrap(err)
}

// TableExists reports whether a table with the given name exists.
func (tx *Tx) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return count > 0, nil
}

// ColumnExists reports whether a column exists on the given table.
func (tx *Tx) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	var count int
	err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return count > 0, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit() error { return Error.Wrap(tx.tx.Commit()) }

// Rollback aborts the transaction; rolling back after a commit is a
// harmless no-op.
func (tx *Tx) Rollback() error {
	err := tx.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return Error.Wrap(err)
}
