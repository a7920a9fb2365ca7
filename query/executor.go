// Package query implements the read path: resolve the tenant, pick the
// cheapest source for its database file, run the statement, and cache the
// result when it is a deterministic read.
package query

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/resultcache"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
)

var (
	mon = monkit.Package()

	// Error is the default query errs class.
	Error = errs.Class("query")

	// ErrQueryFailed is returned when the embedded engine rejects a
	// statement.
	ErrQueryFailed = errs.Class("query failed")
)

// Sources of the database bytes a request was served from.
const (
	SourceHotCache    = "EFS"
	SourceReadReplica = "S3_READ_REPLICA"
	SourcePrimary     = "S3_PRIMARY"
	SourceStandby     = "S3_STANDBY"
	SourceCache       = "REDIS"
)

// Result is a read response.
type Result struct {
	Success     bool                     `json:"success"`
	Data        []map[string]interface{} `json:"data"`
	RowCount    int                      `json:"row_count"`
	StorageTier tenantdb.Tier            `json:"storage_tier"`
	DBSource    string                   `json:"db_source"`
	Region      string                   `json:"region"`
	CacheHit    bool                     `json:"cache_hit"`
}

// Executor is the primary-region read path.
type Executor struct {
	log      *zap.Logger
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	store    objectstore.Store
	cache    *resultcache.Cache
	tiering  *tiering.Manager
	region   string
}

// NewExecutor creates an Executor.
func NewExecutor(log *zap.Logger, tenants *tenantdb.Tenants, replicas *tenantdb.Replicas, store objectstore.Store, cache *resultcache.Cache, manager *tiering.Manager, region string) *Executor {
	return &Executor{
		log:      log,
		tenants:  tenants,
		replicas: replicas,
		store:    store,
		cache:    cache,
		tiering:  manager,
		region:   region,
	}
}

// Execute authorizes the tenant and runs one read statement.
func (exec *Executor) Execute(ctx context.Context, tenantName, apiKey, sql string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := exec.tenants.Authorize(ctx, tenantName, apiKey)
	if err != nil {
		return nil, err
	}
	exec.tenants.TouchAccess(ctx, tenant.ID)

	replica, err := exec.replicas.Get(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	dbKey, err := tenantdb.ResolveDBPath(tenant, replica)
	if err != nil {
		return nil, err
	}
	if replica.ReadOnlyBucket == "" {
		return nil, tenantdb.ErrNotFound.New("tenant %q has no read replica bucket", tenant.ID)
	}

	cacheable := resultcache.Cacheable(sql)
	if cacheable {
		if payload, ok := exec.cache.Get(ctx, tenant.ID, sql); ok {
			var result Result
			if err := json.Unmarshal(payload, &result); err == nil {
				result.CacheHit = true
				result.DBSource = SourceCache
				return &result, nil
			}
			exec.log.Warn("discarding undecodable cache entry",
				zap.String("tenant_id", tenant.ID), zap.Error(err))
		}
	}

	path, source, cleanup, err := exec.selectSource(ctx, tenant, replica, dbKey)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := runReadOnly(ctx, path, sql)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Success:     true,
		Data:        rows,
		RowCount:    len(rows),
		StorageTier: tenant.StorageTier.OrDefault(),
		DBSource:    source,
		Region:      exec.region,
		CacheHit:    false,
	}

	if cacheable {
		if payload, err := json.Marshal(result); err == nil {
			exec.cache.Set(ctx, tenant.ID, sql, payload)
		}
	}
	return result, nil
}

// selectSource opens the hot cache when available, rehydrating HOT tenants
// on demand, and otherwise falls back to a scoped download of the
// read-replica copy.
func (exec *Executor) selectSource(ctx context.Context, tenant *tenantdb.Tenant, replica *tenantdb.Replica, dbKey string) (path, source string, cleanup func(), err error) {
	if tenant.StorageTier.OrDefault() == tenantdb.TierHot {
		if !exec.tiering.HotFileExists(dbKey) {
			err := exec.tiering.Rehydrate(ctx, tenant.ID, replica.PrimaryBucket, dbKey)
			if err != nil {
				exec.log.Warn("rehydration failed, falling back to read replica",
					zap.String("tenant_id", tenant.ID), zap.Error(err))
			}
		}
		if exec.tiering.HotFileExists(dbKey) {
			return exec.tiering.HotPath(dbKey), SourceHotCache, func() {}, nil
		}
	}

	tmp, err := os.CreateTemp("", "tenantdb-read-*.db")
	if err != nil {
		return "", "", nil, Error.Wrap(err)
	}
	_ = tmp.Close()

	if err := exec.store.Download(ctx, replica.ReadOnlyBucket, dbKey, tmp.Name()); err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", nil, err
	}
	return tmp.Name(), SourceReadReplica, func() { _ = os.Remove(tmp.Name()) }, nil
}

// runReadOnly opens a read-only session and materializes the rows of a
// single statement.
func runReadOnly(ctx context.Context, path, sql string) (_ []map[string]interface{}, err error) {
	db, err := engine.OpenReadOnly(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	rows, err := db.QueryRows(ctx, sql)
	if err != nil {
		return nil, ErrQueryFailed.Wrap(err)
	}
	return rows, nil
}
