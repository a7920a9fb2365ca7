package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
)

func TestExecAndQueryRows(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := engine.Open(ctx.File("tenant.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	_, err = db.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	affected, err := db.Exec(ctx, `INSERT INTO users (name) VALUES ('ada'), ('grace')`)
	require.NoError(t, err)
	require.EqualValues(t, 2, affected)

	rows, err := db.QueryRows(ctx, `SELECT id, name FROM users ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "ada", rows[0]["name"])
	require.EqualValues(t, 1, rows[0]["id"])

	_, err = db.QueryRows(ctx, `SELECT * FROM missing`)
	require.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("tenant.db")

	db, err := engine.Open(path)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `CREATE TABLE t (n INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ro, err := engine.OpenReadOnly(path)
	require.NoError(t, err)
	defer ctx.Check(ro.Close)

	rows, err := ro.QueryRows(ctx, `SELECT 1 AS n`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 1, rows[0]["n"])

	_, err = ro.Exec(ctx, `INSERT INTO t VALUES (1)`)
	require.Error(t, err)
}

func TestSnapshotTo(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := engine.Open(ctx.File("tenant.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	_, err = db.Exec(ctx, `CREATE TABLE t (n INTEGER); INSERT INTO t VALUES (42)`)
	require.NoError(t, err)

	snapshotPath := ctx.File("snapshot.db")
	require.NoError(t, db.SnapshotTo(ctx, snapshotPath))

	snapshot, err := engine.OpenReadOnly(snapshotPath)
	require.NoError(t, err)
	defer ctx.Check(snapshot.Close)

	rows, err := snapshot.QueryRows(ctx, `SELECT n FROM t`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 42, rows[0]["n"])
}

func TestSchemaDump(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := engine.OpenMemory()
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	_, err = db.Exec(ctx, `
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);
		CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER REFERENCES users(id));
	`)
	require.NoError(t, err)

	dump, err := db.SchemaDump(ctx)
	require.NoError(t, err)
	require.Contains(t, dump, "CREATE TABLE users")
	require.Contains(t, dump, "CREATE TABLE orders")

	// The dump must replay into a fresh database.
	replay, err := engine.OpenMemory()
	require.NoError(t, err)
	defer ctx.Check(replay.Close)
	_, err = replay.Exec(ctx, dump)
	require.NoError(t, err)
}

func TestTransactionHelpers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := engine.OpenMemory()
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	_, err = db.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)

	exists, err := tx.TableExists(ctx, "users")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = tx.TableExists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, tx.Exec(ctx, `ALTER TABLE users ADD COLUMN email TEXT`))

	hasColumn, err := tx.ColumnExists(ctx, "users", "email")
	require.NoError(t, err)
	require.True(t, hasColumn)

	require.NoError(t, tx.Rollback())

	// The rollback must discard the added column.
	tx, err = db.Begin(ctx)
	require.NoError(t, err)
	hasColumn, err = tx.ColumnExists(ctx, "users", "email")
	require.NoError(t, err)
	require.False(t, hasColumn)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())
}
