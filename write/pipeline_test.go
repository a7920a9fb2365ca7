package write_test

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore/teststore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus/testbus"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore/testbucket"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/query"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/replication"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/resultcache"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/write"
)

type fixture struct {
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	bucket   *testbucket.Store
	cache    *resultcache.Cache
	manager  *tiering.Manager
	topic    *testbus.Topic
	pipeline *write.Pipeline
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
		cache:    cache,
		topic:    testbus.NewTopic(),
	}
	f.manager = tiering.NewManager(log, f.tenants, f.bucket, tiering.Config{
		MountDir: ctx.Dir("mount"),
	})
	f.pipeline = write.NewPipeline(log, f.tenants, f.replicas, f.bucket, cache, f.manager, f.topic, "us-east-1")
	return f
}

func (f *fixture) seedTenant(t *testing.T, ctx *testcontext.Context, tier tenantdb.Tier) {
	path := ctx.File("seed", "tenant.db")
	db, err := engine.Open(path)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, bucket := range []string{"primary", "replica"} {
		require.NoError(t, f.bucket.Put(ctx, bucket, "databases/db_1.db", data))
	}

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

func rowCount(t *testing.T, ctx *testcontext.Context, data []byte, table string) int64 {
	path := ctx.File("verify", "check.db")
	require.NoError(t, os.MkdirAll(ctx.Dir("verify"), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	db, err := engine.OpenReadOnly(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	rows, err := db.QueryRows(ctx, "SELECT COUNT(*) AS n FROM "+table)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]["n"].(int64)
}

func TestExecuteCommitsAndReplicates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	now := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	f.pipeline.SetNow(func() time.Time { return now })

	result, err := f.pipeline.Execute(ctx, "acme", "sk_secret",
		`INSERT INTO users (name) VALUES ('ada')`)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 1, result.RowsAffected)
	require.Equal(t, "t-1_snapshot_20250601_123045.db", result.SnapshotCreated)
	require.Equal(t, "replication_snapshots/t-1_snapshot_20250601_123045.db", result.SnapshotS3Key)
	require.Equal(t, "2025-06-01T12:30:45Z", result.LastUpdatedAt)
	require.Equal(t, query.SourcePrimary, result.DBSource)
	require.Equal(t, tenantdb.TierCold, result.StorageTier)
	require.Equal(t, "us-east-1", result.Region)

	// Primary and read-replica both carry the committed row.
	primary, err := f.bucket.Get(ctx, "primary", "databases/db_1.db")
	require.NoError(t, err)
	require.EqualValues(t, 1, rowCount(t, ctx, primary, "users"))
	readReplica, err := f.bucket.Get(ctx, "replica", "databases/db_1.db")
	require.NoError(t, err)
	require.EqualValues(t, 1, rowCount(t, ctx, readReplica, "users"))

	// The snapshot matches the committed state.
	snapshot, err := f.bucket.Get(ctx, "primary", result.SnapshotS3Key)
	require.NoError(t, err)
	require.EqualValues(t, 1, rowCount(t, ctx, snapshot, "users"))

	// Exactly one fan-out event, pointing at the snapshot.
	require.Equal(t, 1, f.topic.Len())
	raw, err := f.topic.Receive(ctx)
	require.NoError(t, err)
	event, err := replication.ParseEvent(raw)
	require.NoError(t, err)
	require.Equal(t, "t-1", event.TenantID)
	require.Equal(t, result.SnapshotS3Key, event.SnapshotS3Key)
	require.Equal(t, "primary", event.SnapshotBucket)
	require.Equal(t, "standby", event.StandbyBucket)
	require.Equal(t, "databases/db_1.db", event.DBPath)
	require.EqualValues(t, 1, event.RowsAffected)

	// The replica record carries the commit time.
	replica, err := f.replicas.Get(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, now.Equal(replica.LastUpdatedAt.Std()))
}

func TestExecuteHotTenantWritesInPlace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierHot)

	result, err := f.pipeline.Execute(ctx, "acme", "sk_secret",
		`INSERT INTO users (name) VALUES ('grace')`)
	require.NoError(t, err)
	require.Equal(t, query.SourceHotCache, result.DBSource)

	// The hot copy holds the write and stays on the mount.
	require.True(t, f.manager.HotFileExists("databases/db_1.db"))
	hot, err := os.ReadFile(f.manager.HotPath("databases/db_1.db"))
	require.NoError(t, err)
	require.EqualValues(t, 1, rowCount(t, ctx, hot, "users"))

	// The primary copy was refreshed from the hot file.
	primary, err := f.bucket.Get(ctx, "primary", "databases/db_1.db")
	require.NoError(t, err)
	require.EqualValues(t, 1, rowCount(t, ctx, primary, "users"))
}

func TestExecuteBumpsCacheGeneration(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mr := miniredis.RunT(t)
	f := newFixture(t, ctx, mr)
	defer ctx.Check(f.cache.Close)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	f.cache.Set(ctx, "t-1", "SELECT * FROM users", []byte(`[]`))
	_, hit := f.cache.Get(ctx, "t-1", "SELECT * FROM users")
	require.True(t, hit)

	_, err := f.pipeline.Execute(ctx, "acme", "sk_secret",
		`INSERT INTO users (name) VALUES ('ada')`)
	require.NoError(t, err)

	_, hit = f.cache.Get(ctx, "t-1", "SELECT * FROM users")
	require.False(t, hit)
}

func TestExecuteRejectsBadStatement(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	_, err := f.pipeline.Execute(ctx, "acme", "sk_secret", `INSERT INTO no_such_table VALUES (1)`)
	require.True(t, write.ErrQueryFailed.Has(err))

	// Nothing was uploaded and nothing was published.
	require.Equal(t, 0, f.topic.Len())
	require.Equal(t, []string{"databases/db_1.db"}, f.bucket.Keys("primary"))
}

func TestExecuteAuthFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	_, err := f.pipeline.Execute(ctx, "acme", "sk_wrong", `DELETE FROM users`)
	require.True(t, tenantdb.ErrAuthFailed.Has(err))
	require.Equal(t, 0, f.topic.Len())
}

func TestExecuteUploadFailureSurfaces(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, nil)
	f.seedTenant(t, ctx, tenantdb.TierCold)

	f.bucket.SetUploadError(objectstore.Error.New("bucket unavailable"))

	_, err := f.pipeline.Execute(ctx, "acme", "sk_secret",
		`INSERT INTO users (name) VALUES ('ada')`)
	require.Error(t, err)
	require.Equal(t, 0, f.topic.Len())

	replica, err := f.replicas.Get(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, replica.LastUpdatedAt.IsZero())
}

func TestResultSerialization(t *testing.T) {
	result := write.Result{
		Success:         true,
		RowsAffected:    3,
		SnapshotCreated: "t-1_snapshot_20250601_123045.db",
		SnapshotS3Key:   "replication_snapshots/t-1_snapshot_20250601_123045.db",
		LastUpdatedAt:   "2025-06-01T12:30:45Z",
		StorageTier:     tenantdb.TierCold,
		DBSource:        query.SourcePrimary,
		Region:          "us-east-1",
		Message:         "write committed",
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"success": true,
		"rows_affected": 3,
		"snapshot_created": "t-1_snapshot_20250601_123045.db",
		"snapshot_s3_key": "replication_snapshots/t-1_snapshot_20250601_123045.db",
		"last_updated_at": "2025-06-01T12:30:45Z",
		"storage_tier": "COLD",
		"db_source": "S3_PRIMARY",
		"region": "us-east-1",
		"message": "write committed"
	}`, string(data))
}
