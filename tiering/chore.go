package tiering

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
)

// Chore demotes idle hot tenants back to cold storage.
//
// architecture: Chore
type Chore struct {
	log      *zap.Logger
	manager  *Manager
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	config   Config

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewChore instantiates Chore.
func NewChore(log *zap.Logger, manager *Manager, tenants *tenantdb.Tenants, replicas *tenantdb.Replicas, config Config) *Chore {
	return &Chore{
		log:      log,
		manager:  manager,
		tenants:  tenants,
		replicas: replicas,
		config:   config,
		Loop:     sync2.NewCycle(config.DemoteInterval),
		nowFn:    time.Now,
	}
}

// SetNow allows tests to have the chore act as if the current time is
// whatever they want.
func (chore *Chore) SetNow(now func() time.Time) {
	chore.nowFn = now
}

// Run starts the demotion loop.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		if err := chore.DemoteIdle(ctx); err != nil {
			chore.log.Error("demotion cycle failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the demotion loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// DemoteIdle runs one demotion cycle: every HOT tenant idle beyond the
// cold threshold has its hot file written back to the primary bucket,
// removed from the mount, and its tier flipped to COLD. Any upload
// failure leaves that tenant HOT and its file in place.
func (chore *Chore) DemoteIdle(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := chore.nowFn().UTC().Add(-chore.config.ColdThreshold)

	return chore.tenants.Range(ctx, func(ctx context.Context, tenant *tenantdb.Tenant) error {
		if tenant.StorageTier.OrDefault() != tenantdb.TierHot {
			return nil
		}
		if tenant.LastAccessedAt.IsZero() || !tenant.LastAccessedAt.Std().Before(cutoff) {
			return nil
		}
		chore.demote(ctx, tenant)
		return nil
	})
}

func (chore *Chore) demote(ctx context.Context, tenant *tenantdb.Tenant) {
	log := chore.log.With(zap.String("tenant_id", tenant.ID))

	replica, err := chore.replicas.Get(ctx, tenant.ID)
	if err != nil {
		log.Warn("skipping demotion, replica unresolved", zap.Error(err))
		return
	}
	dbKey, err := tenantdb.ResolveDBPath(tenant, replica)
	if err != nil || replica.PrimaryBucket == "" {
		log.Warn("skipping demotion, database path unresolved", zap.Error(err))
		return
	}

	// The hot copy may hold writes the bucket has not seen; it must land
	// in the primary bucket before the local file can go away.
	if chore.manager.HotFileExists(dbKey) {
		err := chore.manager.store.Upload(ctx, replica.PrimaryBucket, dbKey, chore.manager.HotPath(dbKey))
		if err != nil {
			log.Error("demotion aborted, upload failed", zap.Error(err))
			return
		}
		chore.manager.Evict(dbKey)
	}

	if err := chore.tenants.MarkDemoted(ctx, tenant.ID); err != nil {
		log.Error("failed to mark tenant demoted", zap.Error(err))
		return
	}
	log.Info("tenant demoted to cold storage", zap.String("db_key", dbKey))
}
