package query_test

import (
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore/teststore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore/testbucket"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/query"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/resultcache"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
)

type fixture struct {
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	bucket   *testbucket.Store
	standby  *testbucket.Store
	cache    *resultcache.Cache
	manager  *tiering.Manager
	exec     *query.Executor
	reader   *query.Standby
}

func newFixture(t *testing.T, ctx *testcontext.Context, mr *miniredis.Miniredis) *fixture {
	log := zaptest.NewLogger(t)

	var cache *resultcache.Cache
	if mr != nil {
		var err error
		cache, err = resultcache.New(log, resultcache.Config{
			Enabled:        true,
			Address:        mr.Addr(),
			TTL:            time.Minute,
			ConnectTimeout: time.Second,
			IOTimeout:      time.Second,
			MaxValueBytes:  1 << 20,
		})
		require.NoError(t, err)
	}

	f := &fixture{
		tenants:  tenantdb.NewTenants(log, teststore.New(), teststore.New()),
		replicas: tenantdb.NewReplicas(log, teststore.New()),
		bucket:   testbucket.New(),
		standby:  testbucket.New(),
		cache:    cache,
	}
	f.manager = tiering.NewManager(log, f.tenants, f.bucket, tiering.Config{
		MountDir: ctx.Dir("mount"),
	})
	f.exec = query.NewExecutor(log, f.tenants, f.replicas, f.bucket, cache, f.manager, "us-east-1")
	f.reader = query.NewStandby(log, f.tenants, f.replicas, f.standby, "us-west-2")
	return f
}

// seedTenant provisions a tenant whose database file, holding one users
// table with two rows, is present in all three buckets.
func (f *fixture) seedTenant(t *testing.T, ctx *testcontext.Context, tier tenantdb.Tier) {
	path := ctx.File("seed", "tenant.db")
	db, err := engine.Open(path)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);
		INSERT INTO users (name) VALUES ('ada'), ('grace');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, bucket := range []string{"primary", "replica"} {
		require.NoError(t, f.bucket.Put(ctx, bucket, "databases/db_1.db", data))
	}
	require.NoError(t, f.standby.Put(ctx, "standby", "databases/db_1.db", data))

	require.NoError(t, f.tenants.Create(ctx, &tenantdb.Tenant{
		ID: "t-1", Name: "acme", APIKey: "sk_secret",
		CurrentDBPath: "databases/db_1.db",
		StorageTier:   tier,
	}))
	require.NoError(t, f.replicas.Put(ctx, &tenantdb.Replica{
		TenantID:       "t-1",
		PrimaryBucket:  "primary",
		ReadOnlyBucket: "replica",
		StandbyBucket:  "standby",
		DBPath:         "databases/db_1.db",
	}))
}

func TestExecuteColdRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	result, err := f.exec.Execute(ctx, "acme", "sk_secret", "SELECT name FROM users ORDER BY id")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, result.RowCount)
	require.Equal(t, "ada", result.Data[0]["name"])
	require.Equal(t, query.SourceReadReplica, result.DBSource)
	require.Equal(t, tenantdb.TierCold, result.StorageTier)
	require.Equal(t, "us-east-1", result.Region)
	require.False(t, result.CacheHit)

	// A cold read never populates the hot cache.
	require.False(t, f.manager.HotFileExists("databases/db_1.db"))

	// Access is stamped for the demotion chore.
	tenant, err := f.tenants.Get(ctx, "t-1")
	require.NoError(t, err)
	require.False(t, tenant.LastAccessedAt.IsZero())
}

func TestExecuteHotReadRehydrates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierHot)

	require.False(t, f.manager.HotFileExists("databases/db_1.db"))

	result, err := f.exec.Execute(ctx, "acme", "sk_secret", "SELECT COUNT(*) AS n FROM users")
	require.NoError(t, err)
	require.Equal(t, query.SourceHotCache, result.DBSource)
	require.EqualValues(t, 2, result.Data[0]["n"])

	// The file stays on the mount for the next read.
	require.True(t, f.manager.HotFileExists("databases/db_1.db"))
}

func TestExecuteHotFallsBackWhenRehydrationFails(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierHot)

	// Break the primary copy only; the read replica still serves.
	require.NoError(t, f.bucket.Delete(ctx, "primary", "databases/db_1.db"))

	result, err := f.exec.Execute(ctx, "acme", "sk_secret", "SELECT 1 AS n")
	require.NoError(t, err)
	require.Equal(t, query.SourceReadReplica, result.DBSource)
}

func TestExecuteCacheHit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mr := miniredis.RunT(t)
	f := newFixture(t, ctx, mr)
	defer ctx.Check(f.cache.Close)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	first, err := f.exec.Execute(ctx, "acme", "sk_secret", "SELECT name FROM users ORDER BY id")
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := f.exec.Execute(ctx, "acme", "sk_secret", "SELECT name FROM users ORDER BY id")
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, query.SourceCache, second.DBSource)
	require.Equal(t, first.RowCount, second.RowCount)
	require.Equal(t, first.Data[0]["name"], second.Data[0]["name"])
}

func TestExecuteNonSelectNotCached(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mr := miniredis.RunT(t)
	f := newFixture(t, ctx, mr)
	defer ctx.Check(f.cache.Close)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	first, err := f.exec.Execute(ctx, "acme", "sk_secret", "PRAGMA user_version")
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := f.exec.Execute(ctx, "acme", "sk_secret", "PRAGMA user_version")
	require.NoError(t, err)
	require.False(t, second.CacheHit)
}

func TestExecuteAuthFailures(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	_, err := f.exec.Execute(ctx, "acme", "sk_wrong", "SELECT 1")
	require.True(t, tenantdb.ErrAuthFailed.Has(err))

	_, err = f.exec.Execute(ctx, "ghost", "sk_secret", "SELECT 1")
	require.True(t, tenantdb.ErrNotFound.Has(err))
}

func TestExecuteBadStatement(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	_, err := f.exec.Execute(ctx, "acme", "sk_secret", "SELECT * FROM no_such_table")
	require.True(t, query.ErrQueryFailed.Has(err))
}

func TestStandbyRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	result, err := f.reader.Execute(ctx, "acme", "sk_secret", "SELECT name FROM users ORDER BY id DESC")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, query.SourceStandby, result.DBSource)
	require.Equal(t, "us-west-2", result.Region)
	require.Equal(t, "grace", result.Data[0]["name"])
}

func TestStandbyMissingCopy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)
	require.NoError(t, f.standby.Delete(ctx, "standby", "databases/db_1.db"))

	_, err := f.reader.Execute(ctx, "acme", "sk_secret", "SELECT 1")
	require.Error(t, err)
}
