package tenantdb

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore"
)

// Replicas is the replica directory: per tenant, the three buckets and the
// file key they share.
type Replicas struct {
	log   *zap.Logger
	store kvstore.Store
}

// NewReplicas creates the replica directory over its backing store.
func NewReplicas(log *zap.Logger, store kvstore.Store) *Replicas {
	return &Replicas{log: log, store: store}
}

// Get loads the replica record for a tenant.
func (replicas *Replicas) Get(ctx context.Context, tenantID string) (_ *Replica, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := replicas.store.Get(ctx, kvstore.Key(tenantID))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, ErrNotFound.New("replica for tenant %q", tenantID)
		}
		return nil, Error.Wrap(err)
	}
	var replica Replica
	if err := json.Unmarshal(data, &replica); err != nil {
		return nil, Error.New("corrupt replica record %q: %w", tenantID, err)
	}
	return &replica, nil
}

// Put overwrites the replica record for a tenant.
func (replicas *Replicas) Put(ctx context.Context, replica *Replica) (err error) {
	defer mon.Task()(&ctx)(&err)

	if replica.TenantID == "" {
		return Error.New("replica tenant id is required")
	}
	data, err := json.Marshal(replica)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(replicas.store.Put(ctx, kvstore.Key(replica.TenantID), data))
}

// BumpUpdated stamps last_updated_at. Called by the write pipeline only.
func (replicas *Replicas) BumpUpdated(ctx context.Context, tenantID string, now Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	replica, err := replicas.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	replica.LastUpdatedAt = now
	return replicas.Put(ctx, replica)
}

// Delete removes the replica record for a tenant.
func (replicas *Replicas) Delete(ctx context.Context, tenantID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(replicas.store.Delete(ctx, kvstore.Key(tenantID)))
}
