package replication

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
)

// Config holds fan-out worker settings.
type Config struct {
	PollInterval time.Duration `help:"how often the fan-out worker polls for replication events" default:"5s"`
}

// Worker consumes replication events and mirrors snapshots to the standby
// bucket. Delivery is at-least-once; the target key is fixed, so repeated
// deliveries converge.
//
// architecture: Worker
type Worker struct {
	log     *zap.Logger
	topic   msgbus.Topic
	primary objectstore.Store
	standby objectstore.Store

	Loop *sync2.Cycle
}

// NewWorker instantiates a Worker. primary serves the snapshot download,
// standby serves the cross-region upload.
func NewWorker(log *zap.Logger, topic msgbus.Topic, primary, standby objectstore.Store, config Config) *Worker {
	return &Worker{
		log:     log,
		topic:   topic,
		primary: primary,
		standby: standby,
		Loop:    sync2.NewCycle(config.PollInterval),
	}
}

// Run polls the topic and processes every pending event.
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
		raw, err := worker.topic.Receive(ctx)
		if err != nil {
			if !msgbus.ErrEmpty.Has(err) {
				worker.log.Error("failed to receive replication event", zap.Error(err))
			}
			return
		}
		if err := worker.Process(ctx, raw); err != nil {
			worker.log.Error("replication failed, releasing event for retry", zap.Error(err))
			if err := worker.topic.Release(ctx, raw); err != nil {
				worker.log.Error("failed to release replication event", zap.Error(err))
			}
			return
		}
	}
}

// Process mirrors one snapshot: download from the primary region, upload
// to the standby bucket's database key, clean up. Any failure is returned
// so the bus redelivers.
func (worker *Worker) Process(ctx context.Context, raw []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	event, err := ParseEvent(raw)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "tenantdb-replication-*.db")
	if err != nil {
		return Error.Wrap(err)
	}
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := worker.primary.Download(ctx, event.SnapshotBucket, event.SnapshotS3Key, tmp.Name()); err != nil {
		return Error.New("download snapshot: %w", err)
	}
	if err := worker.standby.Upload(ctx, event.StandbyBucket, event.DBPath, tmp.Name()); err != nil {
		return Error.New("upload to standby: %w", err)
	}

	worker.log.Info("snapshot replicated to standby",
		zap.String("tenant_id", event.TenantID),
		zap.String("snapshot", event.SnapshotS3Key),
		zap.String("standby_bucket", event.StandbyBucket))
	return nil
}
