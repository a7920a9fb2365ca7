package api

import (
	"context"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
)

// AdminConfig holds provisioning defaults for new tenants.
type AdminConfig struct {
	PrimaryBucket  string `help:"default primary bucket for new tenants" default:""`
	ReadOnlyBucket string `help:"default read-replica bucket for new tenants" default:""`
	StandbyBucket  string `help:"default standby bucket for new tenants" default:""`
	SchemaBucket   string `help:"bucket holding schema artifacts" default:""`
}

// Admin implements the tenant and schema CRUD surface.
type Admin struct {
	log      *zap.Logger
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	schemas  *tenantdb.Schemas
	primary  objectstore.Store
	standby  objectstore.Store
	tiering  *tiering.Manager
	config   AdminConfig
}

// NewAdmin creates the CRUD surface.
func NewAdmin(log *zap.Logger, tenants *tenantdb.Tenants, replicas *tenantdb.Replicas, schemas *tenantdb.Schemas, primary, standby objectstore.Store, manager *tiering.Manager, config AdminConfig) *Admin {
	return &Admin{
		log:      log,
		tenants:  tenants,
		replicas: replicas,
		schemas:  schemas,
		primary:  primary,
		standby:  standby,
		tiering:  manager,
		config:   config,
	}
}

// CreateTenantRequest asks for a new tenant.
type CreateTenantRequest struct {
	TenantName string `json:"tenant_name"`
	SchemaID   string `json:"schema_id,omitempty"`
}

// TenantResponse is a tenant record with the secret redacted, plus its
// bucket layout.
type TenantResponse struct {
	Tenant  tenantdb.Tenant   `json:"tenant"`
	Replica *tenantdb.Replica `json:"replica,omitempty"`
}

// CreateTenantResponse returns the new tenant including its api key; the
// key is never returned again.
type CreateTenantResponse struct {
	Tenant  tenantdb.Tenant  `json:"tenant"`
	Replica tenantdb.Replica `json:"replica"`
	APIKey  string           `json:"api_key"`
}

// CreateTenant provisions a tenant: a fresh database file built from the
// requested schema, uploaded to all three buckets, and directory records
// for both.
func (admin *Admin) CreateTenant(ctx context.Context, req CreateTenantRequest) (*CreateTenantResponse, error) {
	if req.TenantName == "" {
		return nil, ErrBadRequest.New("tenant_name is required")
	}

	tenantID := "t-" + newID()
	apiKey := "sk_" + newID()
	dbKey := "databases/db_" + newID() + ".db"

	dbPath, cleanup, err := admin.buildDatabaseFile(ctx, req.SchemaID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	for _, upload := range []struct {
		store  objectstore.Store
		bucket string
	}{
		{admin.primary, admin.config.PrimaryBucket},
		{admin.primary, admin.config.ReadOnlyBucket},
		{admin.standby, admin.config.StandbyBucket},
	} {
		if upload.bucket == "" {
			continue
		}
		if err := upload.store.Upload(ctx, upload.bucket, dbKey, dbPath); err != nil {
			return nil, err
		}
	}

	schemaRef := req.SchemaID
	if schemaRef == "" {
		schemaRef = tenantdb.SchemaRefNone
	}
	tenant := tenantdb.Tenant{
		ID:              tenantID,
		Name:            req.TenantName,
		APIKey:          apiKey,
		CurrentDBPath:   dbKey,
		StorageTier:     tenantdb.TierCold,
		SchemaVersion:   schemaRef,
		ParentSchemaRef: schemaRef,
	}
	if err := admin.tenants.Create(ctx, &tenant); err != nil {
		return nil, err
	}

	replica := tenantdb.Replica{
		TenantID:       tenantID,
		PrimaryBucket:  admin.config.PrimaryBucket,
		ReadOnlyBucket: admin.config.ReadOnlyBucket,
		StandbyBucket:  admin.config.StandbyBucket,
		DBPath:         dbKey,
	}
	if err := admin.replicas.Put(ctx, &replica); err != nil {
		return nil, err
	}

	admin.log.Info("tenant provisioned",
		zap.String("tenant_id", tenantID),
		zap.String("db_key", dbKey))

	tenant.APIKey = ""
	return &CreateTenantResponse{Tenant: tenant, Replica: replica, APIKey: apiKey}, nil
}

// buildDatabaseFile materializes a new tenant database, replaying the
// schema artifact when one was requested.
func (admin *Admin) buildDatabaseFile(ctx context.Context, schemaID string) (path string, cleanup func(), err error) {
	var ddl []byte
	if schemaID != "" {
		schema, err := admin.schemas.Get(ctx, schemaID)
		if err != nil {
			return "", nil, err
		}
		if schema.SQL != "" {
			ddl = []byte(schema.SQL)
		} else if schema.S3Path != "" {
			ddl, err = admin.primary.Get(ctx, admin.config.SchemaBucket, schema.S3Path)
			if err != nil {
				return "", nil, err
			}
		}
	}

	dir, err := os.MkdirTemp("", "tenantdb-provision-")
	if err != nil {
		return "", nil, errs.Wrap(err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }
	path = filepath.Join(dir, "tenant.db")

	db, err := engine.Open(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	stmt := "VACUUM"
	if len(ddl) > 0 {
		stmt = string(ddl)
	}
	if _, err := db.Exec(ctx, stmt); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// ListTenants returns every tenant with secrets redacted.
func (admin *Admin) ListTenants(ctx context.Context) ([]tenantdb.Tenant, error) {
	result := make([]tenantdb.Tenant, 0)
	err := admin.tenants.Range(ctx, func(ctx context.Context, tenant *tenantdb.Tenant) error {
		redacted := *tenant
		redacted.APIKey = ""
		result = append(result, redacted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTenant returns one tenant with its replica layout, secrets redacted.
func (admin *Admin) GetTenant(ctx context.Context, id string) (*TenantResponse, error) {
	tenant, err := admin.tenants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tenant.APIKey = ""

	replica, err := admin.replicas.Get(ctx, id)
	if err != nil && !tenantdb.ErrNotFound.Has(err) {
		return nil, err
	}
	return &TenantResponse{Tenant: *tenant, Replica: replica}, nil
}

// DeleteTenantResponse reports a deletion, including which object copies
// could not be removed.
type DeleteTenantResponse struct {
	Success      bool     `json:"success"`
	TenantID     string   `json:"tenant_id"`
	DeleteErrors []string `json:"delete_errors,omitempty"`
}

// DeleteTenant removes a tenant: object copies in all three buckets
// best-effort first, then metadata. Bucket failures do not stop the
// metadata deletion; they are surfaced for operator action.
func (admin *Admin) DeleteTenant(ctx context.Context, id string) (*DeleteTenantResponse, error) {
	tenant, err := admin.tenants.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var deleteErrors []string
	replica, err := admin.replicas.Get(ctx, id)
	if err == nil {
		dbKey, keyErr := tenantdb.ResolveDBPath(tenant, replica)
		if keyErr == nil {
			for _, target := range []struct {
				store  objectstore.Store
				bucket string
			}{
				{admin.primary, replica.PrimaryBucket},
				{admin.primary, replica.ReadOnlyBucket},
				{admin.standby, replica.StandbyBucket},
			} {
				if target.bucket == "" {
					continue
				}
				if err := target.store.Delete(ctx, target.bucket, dbKey); err != nil {
					deleteErrors = append(deleteErrors, target.bucket+"/"+dbKey+": "+err.Error())
				}
			}
			admin.tiering.Evict(dbKey)
		}
		if err := admin.replicas.Delete(ctx, id); err != nil {
			return nil, err
		}
	} else if !tenantdb.ErrNotFound.Has(err) {
		return nil, err
	}

	if err := admin.tenants.Delete(ctx, id); err != nil {
		return nil, err
	}

	admin.log.Info("tenant deleted",
		zap.String("tenant_id", id),
		zap.Int("delete_errors", len(deleteErrors)))

	return &DeleteTenantResponse{
		Success:      true,
		TenantID:     id,
		DeleteErrors: deleteErrors,
	}, nil
}

// CreateSchemaRequest asks for a new schema artifact.
type CreateSchemaRequest struct {
	SchemaName string `json:"schema_name"`
	SchemaType string `json:"schema_type"`
	SchemaSQL  string `json:"schema_sql"`
	CreatedBy  string `json:"created_by,omitempty"`
}

// CreateSchema validates the DDL by replaying it, stores the artifact, and
// registers the record.
func (admin *Admin) CreateSchema(ctx context.Context, req CreateSchemaRequest) (*tenantdb.Schema, error) {
	if req.SchemaName == "" || req.SchemaSQL == "" {
		return nil, ErrBadRequest.New("schema_name and schema_sql are required")
	}
	schemaType := req.SchemaType
	if schemaType == "" {
		schemaType = tenantdb.SchemaTypeApplication
	}

	// A schema that cannot replay would poison every later migration.
	if err := replayDDL(ctx, req.SchemaSQL); err != nil {
		return nil, ErrBadRequest.New("schema_sql does not replay: %v", err)
	}

	id := "schema-" + newID()
	key := "schemas/" + id + ".sql"
	if err := admin.primary.Put(ctx, admin.config.SchemaBucket, key, []byte(req.SchemaSQL)); err != nil {
		return nil, err
	}

	schema := tenantdb.Schema{
		ID:        id,
		Name:      req.SchemaName,
		Type:      schemaType,
		S3Path:    key,
		CreatedBy: req.CreatedBy,
	}
	if err := admin.schemas.Create(ctx, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// ListSchemas returns every schema record.
func (admin *Admin) ListSchemas(ctx context.Context) ([]*tenantdb.Schema, error) {
	return admin.schemas.List(ctx)
}

// GetSchema returns one schema record.
func (admin *Admin) GetSchema(ctx context.Context, id string) (*tenantdb.Schema, error) {
	return admin.schemas.Get(ctx, id)
}

// TenantSchema returns the schema record the tenant currently points at.
func (admin *Admin) TenantSchema(ctx context.Context, tenantID string) (*tenantdb.Schema, error) {
	tenant, err := admin.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ref := tenant.SchemaVersion
	if ref == "" || ref == tenantdb.SchemaRefNone {
		ref = tenant.ParentSchemaRef
	}
	if ref == "" || ref == tenantdb.SchemaRefNone {
		return nil, tenantdb.ErrNotFound.New("tenant %q has no schema", tenantID)
	}
	return admin.schemas.Get(ctx, ref)
}

func replayDDL(ctx context.Context, ddl string) (err error) {
	db, err := engine.OpenMemory()
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()
	_, err = db.Exec(ctx, ddl)
	return err
}

func newID() string {
	id, err := uuid.New()
	if err != nil {
		return "00000000-0000-0000-0000-000000000000"
	}
	return id.String()
}
