package migration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
)

// Scopes of a migration request.
const (
	ScopeTemplate = "TEMPLATE"
	ScopeTenant   = "TENANT"
)

// Config holds coordinator settings.
type Config struct {
	SchemaBucket        string        `help:"bucket holding schema artifacts" default:""`
	StandbySchemaBucket string        `help:"standby-region bucket receiving schema artifact copies" default:""`
	PollInterval        time.Duration `help:"how often the migration worker polls for jobs" default:"5s"`
}

// Request asks for a schema migration.
type Request struct {
	Scope         string      `json:"scope"`
	SchemaID      string      `json:"schema_id"`
	TenantID      string      `json:"tenant_id,omitempty"`
	NewSchemaName string      `json:"new_schema_name,omitempty"`
	Operations    []Operation `json:"operations"`
	RequestedBy   string      `json:"requested_by,omitempty"`
}

// Result reports what a migration request did.
type Result struct {
	MigrationID   string `json:"migration_id"`
	SchemaID      string `json:"schema_id"`
	SchemaS3Key   string `json:"schema_s3_key"`
	TenantsQueued int    `json:"tenants_queued"`
	JobsEnqueued  int    `json:"jobs_enqueued"`
}

// Message is one per-tenant migration job on the FIFO queue.
type Message struct {
	MigrationID     string      `json:"migrationId"`
	RequestedAt     string      `json:"requestedAt"`
	Bucket          string      `json:"bucket"`
	SchemaS3Key     string      `json:"schemaS3Key"`
	TenantS3Key     string      `json:"tenantS3Key"`
	Operations      []Operation `json:"operations"`
	TenantID        string      `json:"tenantId"`
	TenantName      string      `json:"tenantName"`
	RefreshHotCache bool        `json:"refreshHotCache"`
}

// Coordinator rewrites the canonical schema artifact and fans per-tenant
// jobs out across all three buckets. The artifact commit always precedes
// any tenant file mutation.
type Coordinator struct {
	log      *zap.Logger
	tenants  *tenantdb.Tenants
	replicas *tenantdb.Replicas
	schemas  *tenantdb.Schemas
	store    objectstore.Store
	standby  objectstore.Store
	queue    msgbus.Queue
	config   Config

	nowFn func() time.Time
}

// NewCoordinator creates a Coordinator. standby may serve a different
// region than store.
func NewCoordinator(log *zap.Logger, tenants *tenantdb.Tenants, replicas *tenantdb.Replicas, schemas *tenantdb.Schemas, store, standby objectstore.Store, queue msgbus.Queue, config Config) *Coordinator {
	return &Coordinator{
		log:      log,
		tenants:  tenants,
		replicas: replicas,
		schemas:  schemas,
		store:    store,
		standby:  standby,
		queue:    queue,
		config:   config,
		nowFn:    time.Now,
	}
}

// Run validates and executes one migration request.
func (coord *Coordinator) Run(ctx context.Context, req Request) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateAll(req.Operations); err != nil {
		return nil, err
	}

	switch req.Scope {
	case ScopeTemplate:
		return coord.runTemplate(ctx, req)
	case ScopeTenant:
		return coord.runTenant(ctx, req)
	default:
		return nil, ErrInvalidOperation.New("unknown scope %q", req.Scope)
	}
}

// runTemplate mutates a shared schema artifact in place and enqueues jobs
// for every tenant referencing it.
func (coord *Coordinator) runTemplate(ctx context.Context, req Request) (*Result, error) {
	schema, err := coord.schemas.Get(ctx, req.SchemaID)
	if err != nil {
		return nil, err
	}
	artifactKey := coord.artifactKey(schema)

	if err := coord.rewriteArtifact(ctx, artifactKey, artifactKey, req.Operations); err != nil {
		return nil, err
	}

	migrationID, requestedAt := coord.newMigrationID(), coord.nowFn().UTC().Format(time.RFC3339)

	var affected []*tenantdb.Tenant
	err = coord.tenants.Range(ctx, func(ctx context.Context, tenant *tenantdb.Tenant) error {
		if tenant.ParentSchemaRef == schema.ID || tenant.SchemaVersion == schema.ID {
			affected = append(affected, tenant)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	jobs := 0
	for _, tenant := range affected {
		enqueued, err := coord.enqueueJobs(ctx, tenant, migrationID, requestedAt, artifactKey, req.Operations)
		if err != nil {
			return nil, err
		}
		jobs += enqueued
	}

	coord.log.Info("template migration dispatched",
		zap.String("migration_id", migrationID),
		zap.String("schema_id", schema.ID),
		zap.Int("tenants", len(affected)),
		zap.Int("jobs", jobs))

	return &Result{
		MigrationID:   migrationID,
		SchemaID:      schema.ID,
		SchemaS3Key:   artifactKey,
		TenantsQueued: len(affected),
		JobsEnqueued:  jobs,
	}, nil
}

// runTenant clones the parent schema artifact for one tenant, mutates the
// clone, detaches the tenant from the template, and enqueues its jobs.
func (coord *Coordinator) runTenant(ctx context.Context, req Request) (*Result, error) {
	tenant, err := coord.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	parentID := req.SchemaID
	if parentID == "" {
		parentID = tenant.ParentSchemaRef
	}
	if parentID == "" || parentID == tenantdb.SchemaRefNone {
		return nil, ErrInvalidOperation.New("tenant %q has no parent schema to clone", tenant.ID)
	}
	parent, err := coord.schemas.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}

	cloneID := "schema-" + coord.newMigrationID()
	cloneKey := "schemas/" + cloneID + ".sql"

	if err := coord.rewriteArtifact(ctx, coord.artifactKey(parent), cloneKey, req.Operations); err != nil {
		return nil, err
	}

	cloneName := req.NewSchemaName
	if cloneName == "" {
		cloneName = tenant.Name + "-" + cloneID
	}
	err = coord.schemas.Create(ctx, &tenantdb.Schema{
		ID:             cloneID,
		Name:           cloneName,
		Type:           tenantdb.SchemaTypeCustom,
		S3Path:         cloneKey,
		TenantID:       tenant.ID,
		ParentSchemaID: parent.ID,
		CreatedBy:      req.RequestedBy,
	})
	if err != nil {
		return nil, err
	}

	tenant.SchemaVersion = cloneID
	tenant.ParentSchemaRef = tenantdb.SchemaRefNone
	if err := coord.tenants.Update(ctx, tenant); err != nil {
		return nil, err
	}

	migrationID, requestedAt := coord.newMigrationID(), coord.nowFn().UTC().Format(time.RFC3339)
	jobs, err := coord.enqueueJobs(ctx, tenant, migrationID, requestedAt, cloneKey, req.Operations)
	if err != nil {
		return nil, err
	}

	coord.log.Info("tenant migration dispatched",
		zap.String("migration_id", migrationID),
		zap.String("tenant_id", tenant.ID),
		zap.String("schema_id", cloneID),
		zap.Int("jobs", jobs))

	return &Result{
		MigrationID:   migrationID,
		SchemaID:      cloneID,
		SchemaS3Key:   cloneKey,
		TenantsQueued: 1,
		JobsEnqueued:  jobs,
	}, nil
}

// rewriteArtifact replays the current DDL into a fresh in-memory engine,
// applies the operations in one transaction, and writes the dumped schema
// to dstKey. Nothing is written when any step fails. After success the
// artifact is copied to the standby-region bucket.
func (coord *Coordinator) rewriteArtifact(ctx context.Context, srcKey, dstKey string, ops []Operation) (err error) {
	defer mon.Task()(&ctx)(&err)

	ddl, err := coord.store.Get(ctx, coord.config.SchemaBucket, srcKey)
	if err != nil {
		return Error.New("load schema artifact %s: %w", srcKey, err)
	}

	db, err := engine.OpenMemory()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if len(ddl) > 0 {
		if _, err := db.Exec(ctx, string(ddl)); err != nil {
			return Error.New("replay schema artifact %s: %w", srcKey, err)
		}
	}
	if err := Apply(ctx, db, ops); err != nil {
		return err
	}
	dump, err := db.SchemaDump(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	if err := coord.store.Put(ctx, coord.config.SchemaBucket, dstKey, []byte(dump)); err != nil {
		return Error.New("store schema artifact %s: %w", dstKey, err)
	}
	if coord.config.StandbySchemaBucket != "" {
		if err := coord.standby.Put(ctx, coord.config.StandbySchemaBucket, dstKey, []byte(dump)); err != nil {
			return Error.New("copy schema artifact to standby: %w", err)
		}
	}
	return nil
}

// enqueueJobs fans one tenant's migration out to its primary,
// read-replica, and standby buckets, FIFO-grouped by tenant id.
func (coord *Coordinator) enqueueJobs(ctx context.Context, tenant *tenantdb.Tenant, migrationID, requestedAt, schemaKey string, ops []Operation) (int, error) {
	replica, err := coord.replicas.Get(ctx, tenant.ID)
	if err != nil {
		return 0, err
	}
	dbKey, err := tenantdb.ResolveDBPath(tenant, replica)
	if err != nil {
		return 0, err
	}

	jobs := 0
	for _, bucket := range []string{replica.PrimaryBucket, replica.ReadOnlyBucket, replica.StandbyBucket} {
		if bucket == "" {
			continue
		}
		message := Message{
			MigrationID:     migrationID,
			RequestedAt:     requestedAt,
			Bucket:          bucket,
			SchemaS3Key:     schemaKey,
			TenantS3Key:     dbKey,
			Operations:      ops,
			TenantID:        tenant.ID,
			TenantName:      tenant.Name,
			RefreshHotCache: true,
		}
		body, err := json.Marshal(message)
		if err != nil {
			return jobs, Error.Wrap(err)
		}
		// The dedup id carries the bucket so the three per-bucket jobs
		// of one migration survive the dedup window.
		dedupID := tenant.ID + ":" + migrationID + ":" + bucket
		if err := coord.queue.Enqueue(ctx, tenant.ID, dedupID, body); err != nil {
			return jobs, Error.Wrap(err)
		}
		jobs++
	}
	return jobs, nil
}

func (coord *Coordinator) artifactKey(schema *tenantdb.Schema) string {
	if schema.S3Path != "" {
		return schema.S3Path
	}
	return "schemas/" + schema.ID + ".sql"
}

func (coord *Coordinator) newMigrationID() string {
	id, err := uuid.New()
	if err != nil {
		// uuid.New fails only when the entropy source does.
		return "mig-" + coord.nowFn().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}
