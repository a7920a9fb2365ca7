// Package write implements the commit protocol: execute the statement on
// the tenant's working copy, snapshot it, push both to object storage,
// publish the replication event, and invalidate the result cache.
package write

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/query"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/replication"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/resultcache"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
)

var (
	mon = monkit.Package()

	// Error is the default write errs class.
	Error = errs.Class("write")

	// ErrQueryFailed is returned when the embedded engine rejects the
	// write statement.
	ErrQueryFailed = errs.Class("query failed")
)

// snapshotPrefix is where snapshots live inside the primary bucket.
const snapshotPrefix = "replication_snapshots/"

// Result is a write response.
type Result struct {
	Success         bool          `json:"success"`
	RowsAffected    int64         `json:"rows_affected"`
	SnapshotCreated string        `json:"snapshot_created"`
	SnapshotS3Key   string        `json:"snapshot_s3_key"`
	LastUpdatedAt   string        `json:"last_updated_at"`
	StorageTier     tenantdb.Tier `json:"storage_tier"`
	DBSource        string        `json:"db_source"`
	Region          string        `json:"region"`
	Message         string        `json:"message"`
}

// Pipeline is the write path.
type Pipeline struct {
	log      *zap.Logger
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	store    objectstore.Store
	cache    *resultcache.Cache
	tiering  *tiering.Manager
	bus      msgbus.Topic
	region   string

	nowFn func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(log *zap.Logger, tenants *tenantdb.Tenants, replicas *tenantdb.Replicas, store objectstore.Store, cache *resultcache.Cache, manager *tiering.Manager, bus msgbus.Topic, region string) *Pipeline {
	return &Pipeline{
		log:      log,
		tenants:  tenants,
		replicas: replicas,
		store:    store,
		cache:    cache,
		tiering:  manager,
		bus:      bus,
		region:   region,
		nowFn:    time.Now,
	}
}

// SetNow allows tests to have the pipeline act as if the current time is
// whatever they want.
func (pipeline *Pipeline) SetNow(now func() time.Time) {
	pipeline.nowFn = now
}

// Execute authorizes the tenant and commits one write statement. Failures
// after the primary upload are terminal for the request but earlier
// uploads are not rolled back; the system converges through replication
// and the next successful write.
func (pipeline *Pipeline) Execute(ctx context.Context, tenantName, apiKey, sql string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := pipeline.tenants.Authorize(ctx, tenantName, apiKey)
	if err != nil {
		return nil, err
	}
	pipeline.tenants.TouchAccess(ctx, tenant.ID)

	replica, err := pipeline.replicas.Get(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	dbKey, err := tenantdb.ResolveDBPath(tenant, replica)
	if err != nil {
		return nil, err
	}
	if replica.PrimaryBucket == "" {
		return nil, tenantdb.ErrNotFound.New("tenant %q has no primary bucket", tenant.ID)
	}

	workingPath, source, cleanup, err := pipeline.selectWorkingCopy(ctx, tenant, replica, dbKey)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	now := pipeline.nowFn().UTC()
	snapshotName := tenant.ID + "_snapshot_" + now.Format("20060102_150405") + ".db"
	snapshotKey := snapshotPrefix + snapshotName
	snapshotPath := filepath.Join(os.TempDir(), snapshotName)
	defer func() { _ = os.Remove(snapshotPath) }()

	rowsAffected, err := pipeline.commit(ctx, workingPath, snapshotPath, sql)
	if err != nil {
		return nil, err
	}

	// The working copy lands on primary and read-replica before the
	// snapshot; the fan-out event goes out only after both uploads.
	if err := pipeline.store.Upload(ctx, replica.PrimaryBucket, dbKey, workingPath); err != nil {
		return nil, err
	}
	if replica.ReadOnlyBucket != "" {
		if err := pipeline.store.Upload(ctx, replica.ReadOnlyBucket, dbKey, workingPath); err != nil {
			return nil, err
		}
	}
	if err := pipeline.store.Upload(ctx, replica.PrimaryBucket, snapshotKey, snapshotPath); err != nil {
		return nil, err
	}

	event := replication.Event{
		TenantName:       tenant.Name,
		TenantID:         tenant.ID,
		SnapshotBucket:   replica.PrimaryBucket,
		SnapshotS3Key:    snapshotKey,
		SnapshotFilename: snapshotName,
		PrimaryBucket:    replica.PrimaryBucket,
		DBPath:           dbKey,
		ReadOnlyBucket:   replica.ReadOnlyBucket,
		StandbyBucket:    replica.StandbyBucket,
		Timestamp:        now.Format(time.RFC3339),
		RowsAffected:     rowsAffected,
		StorageTier:      string(tenant.StorageTier.OrDefault()),
		DBSource:         source,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := pipeline.bus.Publish(ctx, payload); err != nil {
		return nil, Error.New("publish replication event: %w", err)
	}

	if err := pipeline.replicas.BumpUpdated(ctx, tenant.ID, tenantdb.Time(now)); err != nil {
		return nil, err
	}

	// Cache invalidation is non-fatal; a failed bump only delays cache
	// coherence until entries expire.
	pipeline.cache.Bump(ctx, tenant.ID)

	return &Result{
		Success:         true,
		RowsAffected:    rowsAffected,
		SnapshotCreated: snapshotName,
		SnapshotS3Key:   snapshotKey,
		LastUpdatedAt:   now.Format(time.RFC3339),
		StorageTier:     tenant.StorageTier.OrDefault(),
		DBSource:        source,
		Region:          pipeline.region,
		Message:         "write committed",
	}, nil
}

// selectWorkingCopy prefers the hot cache in place for HOT tenants,
// rehydrating from the primary bucket when needed, and otherwise downloads
// the primary copy to a scoped temporary file.
func (pipeline *Pipeline) selectWorkingCopy(ctx context.Context, tenant *tenantdb.Tenant, replica *tenantdb.Replica, dbKey string) (path, source string, cleanup func(), err error) {
	if tenant.StorageTier.OrDefault() == tenantdb.TierHot {
		if !pipeline.tiering.HotFileExists(dbKey) {
			err := pipeline.tiering.Rehydrate(ctx, tenant.ID, replica.PrimaryBucket, dbKey)
			if err != nil {
				pipeline.log.Warn("rehydration failed, writing against primary download",
					zap.String("tenant_id", tenant.ID), zap.Error(err))
			}
		}
		if pipeline.tiering.HotFileExists(dbKey) {
			return pipeline.tiering.HotPath(dbKey), query.SourceHotCache, func() {}, nil
		}
	}

	tmp, err := os.CreateTemp("", "tenantdb-write-*.db")
	if err != nil {
		return "", "", nil, Error.Wrap(err)
	}
	_ = tmp.Close()

	if err := pipeline.store.Download(ctx, replica.PrimaryBucket, dbKey, tmp.Name()); err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", nil, err
	}
	return tmp.Name(), query.SourcePrimary, func() { _ = os.Remove(tmp.Name()) }, nil
}

// commit executes the statement and produces the snapshot, closing the
// engine before the files are uploaded.
func (pipeline *Pipeline) commit(ctx context.Context, workingPath, snapshotPath, sql string) (rowsAffected int64, err error) {
	db, err := engine.Open(workingPath)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	rowsAffected, err = db.Exec(ctx, sql)
	if err != nil {
		return 0, ErrQueryFailed.Wrap(err)
	}
	if err := db.SnapshotTo(ctx, snapshotPath); err != nil {
		return 0, Error.Wrap(err)
	}
	return rowsAffected, nil
}
