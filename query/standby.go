package query

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
)

// Standby is the degraded cross-region read path. It always downloads from
// the standby bucket and never consults the hot cache or the result cache,
// so it offers no read-after-write guarantee.
type Standby struct {
	log      *zap.Logger
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	store    objectstore.Store
	region   string
}

// NewStandby creates a Standby reader against the secondary region's
// object store.
func NewStandby(log *zap.Logger, tenants *tenantdb.Tenants, replicas *tenantdb.Replicas, store objectstore.Store, region string) *Standby {
	return &Standby{
		log:      log,
		tenants:  tenants,
		replicas: replicas,
		store:    store,
		region:   region,
	}
}

// Execute authorizes the tenant and runs one read statement against the
// standby copy.
func (standby *Standby) Execute(ctx context.Context, tenantName, apiKey, sql string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := standby.tenants.Authorize(ctx, tenantName, apiKey)
	if err != nil {
		return nil, err
	}

	replica, err := standby.replicas.Get(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	dbKey, err := tenantdb.ResolveDBPath(tenant, replica)
	if err != nil {
		return nil, err
	}
	if replica.StandbyBucket == "" {
		return nil, tenantdb.ErrNotFound.New("tenant %q has no standby bucket", tenant.ID)
	}

	tmp, err := os.CreateTemp("", "tenantdb-standby-*.db")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := standby.store.Download(ctx, replica.StandbyBucket, dbKey, tmp.Name()); err != nil {
		return nil, err
	}

	rows, err := runReadOnly(ctx, tmp.Name(), sql)
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:     true,
		Data:        rows,
		RowCount:    len(rows),
		StorageTier: tenant.StorageTier.OrDefault(),
		DBSource:    SourceStandby,
		Region:      standby.region,
		CacheHit:    false,
	}, nil
}
