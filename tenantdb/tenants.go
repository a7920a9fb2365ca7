package tenantdb

import (
	"context"
	"crypto/subtle"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore"
)

// Tenants is the tenant directory. Records are keyed by tenant id; a
// secondary index maps tenant name to id.
type Tenants struct {
	log     *zap.Logger
	records kvstore.Store
	names   kvstore.Store
}

// NewTenants creates the tenant directory over its backing stores.
func NewTenants(log *zap.Logger, records, names kvstore.Store) *Tenants {
	return &Tenants{log: log, records: records, names: names}
}

// Get loads a tenant by id.
func (tenants *Tenants) Get(ctx context.Context, id string) (_ *Tenant, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := tenants.records.Get(ctx, kvstore.Key(id))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, ErrNotFound.New("tenant %q", id)
		}
		return nil, Error.Wrap(err)
	}
	var tenant Tenant
	if err := json.Unmarshal(data, &tenant); err != nil {
		return nil, Error.New("corrupt tenant record %q: %w", id, err)
	}
	return &tenant, nil
}

// GetByName loads a tenant through the name index.
func (tenants *Tenants) GetByName(ctx context.Context, name string) (_ *Tenant, err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := tenants.names.Get(ctx, kvstore.Key(name))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, ErrNotFound.New("tenant %q", name)
		}
		return nil, Error.Wrap(err)
	}
	return tenants.Get(ctx, string(id))
}

// Authorize loads a tenant by name and verifies the api key with a
// constant-time comparison.
func (tenants *Tenants) Authorize(ctx context.Context, name, apiKey string) (_ *Tenant, err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := tenants.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(tenant.APIKey), []byte(apiKey)) != 1 {
		return nil, ErrAuthFailed.New("invalid credentials")
	}
	return tenant, nil
}

// Create stores a new tenant record and its name index entry.
func (tenants *Tenants) Create(ctx context.Context, tenant *Tenant) (err error) {
	defer mon.Task()(&ctx)(&err)

	if tenant.ID == "" || tenant.Name == "" {
		return Error.New("tenant id and name are required")
	}
	if _, err := tenants.names.Get(ctx, kvstore.Key(tenant.Name)); err == nil {
		return Error.New("tenant name %q already exists", tenant.Name)
	} else if !kvstore.ErrKeyNotFound.Has(err) {
		return Error.Wrap(err)
	}

	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = Now()
	}
	tenant.UpdatedAt = Now()

	if err := tenants.put(ctx, tenant); err != nil {
		return err
	}
	return Error.Wrap(tenants.names.Put(ctx, kvstore.Key(tenant.Name), kvstore.Value(tenant.ID)))
}

// Update overwrites a tenant record, stamping updated_at.
func (tenants *Tenants) Update(ctx context.Context, tenant *Tenant) (err error) {
	defer mon.Task()(&ctx)(&err)
	tenant.UpdatedAt = Now()
	return tenants.put(ctx, tenant)
}

// Delete removes a tenant record and its name index entry.
func (tenants *Tenants) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	tenant, err := tenants.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := tenants.names.Delete(ctx, kvstore.Key(tenant.Name)); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tenants.records.Delete(ctx, kvstore.Key(id)))
}

// TouchAccess stamps last_accessed_at. Failures are logged, never
// surfaced: access tracking is telemetry.
func (tenants *Tenants) TouchAccess(ctx context.Context, id string) {
	err := tenants.mutate(ctx, id, func(tenant *Tenant) {
		tenant.LastAccessedAt = Now()
	})
	if err != nil {
		tenants.log.Warn("failed to stamp last access",
			zap.String("tenant_id", id), zap.Error(err))
	}
}

// MarkDemoted transitions a tenant to COLD and stamps last_demoted_at.
func (tenants *Tenants) MarkDemoted(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return tenants.mutate(ctx, id, func(tenant *Tenant) {
		tenant.StorageTier = TierCold
		tenant.LastDemotedAt = Now()
	})
}

// MarkHot transitions a tenant to HOT, stamps last_accessed_at, and
// initializes current_db_path only when previously unset.
func (tenants *Tenants) MarkHot(ctx context.Context, id, dbKey string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return tenants.mutate(ctx, id, func(tenant *Tenant) {
		tenant.StorageTier = TierHot
		tenant.LastAccessedAt = Now()
		if tenant.CurrentDBPath == "" {
			tenant.CurrentDBPath = dbKey
		}
	})
}

// Range iterates over every tenant. Records that fail to decode are
// skipped with a warning so one corrupt tenant cannot stall a scan.
func (tenants *Tenants) Range(ctx context.Context, fn func(context.Context, *Tenant) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	return tenants.records.Range(ctx, func(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
		var tenant Tenant
		if err := json.Unmarshal(value, &tenant); err != nil {
			tenants.log.Warn("skipping undecodable tenant record",
				zap.String("tenant_id", key.String()), zap.Error(err))
			return nil
		}
		return fn(ctx, &tenant)
	})
}

func (tenants *Tenants) put(ctx context.Context, tenant *Tenant) error {
	data, err := json.Marshal(tenant)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tenants.records.Put(ctx, kvstore.Key(tenant.ID), data))
}

func (tenants *Tenants) mutate(ctx context.Context, id string, mutate func(*Tenant)) error {
	tenant, err := tenants.Get(ctx, id)
	if err != nil {
		return err
	}
	mutate(tenant)
	return tenants.put(ctx, tenant)
}
