package tenantdb

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore"
)

// Schemas is the schema directory. Records are keyed by schema id; a
// secondary index maps schema name to id.
type Schemas struct {
	log     *zap.Logger
	records kvstore.Store
	names   kvstore.Store
}

// NewSchemas creates the schema directory over its backing stores.
func NewSchemas(log *zap.Logger, records, names kvstore.Store) *Schemas {
	return &Schemas{log: log, records: records, names: names}
}

// Get loads a schema by id.
func (schemas *Schemas) Get(ctx context.Context, id string) (_ *Schema, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := schemas.records.Get(ctx, kvstore.Key(id))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, ErrNotFound.New("schema %q", id)
		}
		return nil, Error.Wrap(err)
	}
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, Error.New("corrupt schema record %q: %w", id, err)
	}
	return &schema, nil
}

// GetByName loads a schema through the name index.
func (schemas *Schemas) GetByName(ctx context.Context, name string) (_ *Schema, err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := schemas.names.Get(ctx, kvstore.Key(name))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, ErrNotFound.New("schema %q", name)
		}
		return nil, Error.Wrap(err)
	}
	return schemas.Get(ctx, string(id))
}

// Create stores a new schema record and its name index entry.
func (schemas *Schemas) Create(ctx context.Context, schema *Schema) (err error) {
	defer mon.Task()(&ctx)(&err)

	if schema.ID == "" || schema.Name == "" {
		return Error.New("schema id and name are required")
	}
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = Now()
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := schemas.records.Put(ctx, kvstore.Key(schema.ID), data); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(schemas.names.Put(ctx, kvstore.Key(schema.Name), kvstore.Value(schema.ID)))
}

// List returns every schema record. Undecodable records are skipped with a
// warning.
func (schemas *Schemas) List(ctx context.Context) (_ []*Schema, err error) {
	defer mon.Task()(&ctx)(&err)

	var result []*Schema
	err = schemas.records.Range(ctx, func(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
		var schema Schema
		if err := json.Unmarshal(value, &schema); err != nil {
			schemas.log.Warn("skipping undecodable schema record",
				zap.String("schema_id", key.String()), zap.Error(err))
			return nil
		}
		result = append(result, &schema)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return result, nil
}

// ListByTenant returns the schemas owned by one tenant.
func (schemas *Schemas) ListByTenant(ctx context.Context, tenantID string) (_ []*Schema, err error) {
	defer mon.Task()(&ctx)(&err)

	all, err := schemas.List(ctx)
	if err != nil {
		return nil, err
	}
	var result []*Schema
	for _, schema := range all {
		if schema.TenantID == tenantID {
			result = append(result, schema)
		}
	}
	return result, nil
}
