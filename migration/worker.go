package migration

import (
	"context"
	"encoding/json"
	"os"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
)

// Worker applies migration jobs to tenant database files. The queue is
// FIFO per tenant and delivery is at-least-once; the operation semantics
// make redelivery converge.
//
// architecture: Worker
type Worker struct {
	log      *zap.Logger
	queue    msgbus.Queue
	primary  objectstore.Store
	standby  objectstore.Store
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	tiering  *tiering.Manager

	Loop *sync2.Cycle
}

// NewWorker instantiates a Worker. The standby store serves jobs whose
// target bucket lives in the secondary region.
func NewWorker(log *zap.Logger, queue msgbus.Queue, primary, standby objectstore.Store, tenants *tenantdb.Tenants, replicas *tenantdb.Replicas, manager *tiering.Manager, config Config) *Worker {
	return &Worker{
		log:      log,
		queue:    queue,
		primary:  primary,
		standby:  standby,
		tenants:  tenants,
		replicas: replicas,
		tiering:  manager,
		Loop:     sync2.NewCycle(config.PollInterval),
	}
}

// Run polls the queue and processes every pending job.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return worker.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		worker.drain(ctx)
		return nil
	})
}

// Close stops the worker loop.
func (worker *Worker) Close() error {
	worker.Loop.Close()
	return nil
}

func (worker *Worker) drain(ctx context.Context) {
	for {
		delivery, err := worker.queue.Receive(ctx)
		if err != nil {
			if !msgbus.ErrEmpty.Has(err) {
				worker.log.Error("failed to receive migration job", zap.Error(err))
			}
			return
		}
		if err := worker.process(ctx, delivery.Body); err != nil {
			worker.log.Error("migration job failed, releasing for retry", zap.Error(err))
			if err := worker.queue.Release(ctx, delivery); err != nil {
				worker.log.Error("failed to release migration job", zap.Error(err))
			}
			return
		}
	}
}

func (worker *Worker) process(ctx context.Context, body []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	var message Message
	if err := json.Unmarshal(body, &message); err != nil {
		return Error.New("undecodable migration job: %w", err)
	}
	if err := ValidateAll(message.Operations); err != nil {
		return err
	}

	replica, err := worker.replicas.Get(ctx, message.TenantID)
	if err != nil {
		return err
	}
	store := worker.primary
	if message.Bucket == replica.StandbyBucket {
		store = worker.standby
	}

	if err := worker.migrateFile(ctx, store, message); err != nil {
		return err
	}

	worker.refreshHotCache(ctx, replica, message)

	worker.log.Info("migration job applied",
		zap.String("migration_id", message.MigrationID),
		zap.String("tenant_id", message.TenantID),
		zap.String("bucket", message.Bucket))
	return nil
}

// migrateFile downloads the tenant file, applies the operation list in a
// single transaction, and uploads the result back to the same key.
func (worker *Worker) migrateFile(ctx context.Context, store objectstore.Store, message Message) (err error) {
	tmp, err := os.CreateTemp("", "tenantdb-migration-*.db")
	if err != nil {
		return Error.Wrap(err)
	}
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := store.Download(ctx, message.Bucket, message.TenantS3Key, tmp.Name()); err != nil {
		return Error.New("download %s/%s: %w", message.Bucket, message.TenantS3Key, err)
	}

	if err := worker.apply(ctx, tmp.Name(), message.Operations); err != nil {
		return err
	}

	if err := store.Upload(ctx, message.Bucket, message.TenantS3Key, tmp.Name()); err != nil {
		return Error.New("upload %s/%s: %w", message.Bucket, message.TenantS3Key, err)
	}
	return nil
}

func (worker *Worker) apply(ctx context.Context, path string, ops []Operation) (err error) {
	db, err := engine.Open(path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return Apply(ctx, db, ops)
}

// refreshHotCache rehydrates the hot copy after a primary-bucket
// migration of a HOT tenant. Failure is logged, not fatal: the next
// access rehydrates.
func (worker *Worker) refreshHotCache(ctx context.Context, replica *tenantdb.Replica, message Message) {
	if !message.RefreshHotCache || message.Bucket != replica.PrimaryBucket {
		return
	}
	tenant, err := worker.tenants.Get(ctx, message.TenantID)
	if err != nil || tenant.StorageTier.OrDefault() != tenantdb.TierHot {
		return
	}
	if err := worker.tiering.Rehydrate(ctx, tenant.ID, replica.PrimaryBucket, message.TenantS3Key); err != nil {
		worker.log.Warn("post-migration hot cache refresh failed",
			zap.String("tenant_id", tenant.ID), zap.Error(err))
	}
}
