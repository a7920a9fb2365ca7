package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/api"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore/teststore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/migration"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus/testbus"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore/testbucket"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/query"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/write"
)

type env struct {
	server  *api.Server
	primary *testbucket.Store
	standby *testbucket.Store
	topic   *testbus.Topic
	tenants *tenantdb.Tenants
}

func newEnv(t *testing.T, ctx *testcontext.Context) *env {
	log := zaptest.NewLogger(t)

	tenants := tenantdb.NewTenants(log, teststore.New(), teststore.New())
	replicas := tenantdb.NewReplicas(log, teststore.New())
	schemas := tenantdb.NewSchemas(log, teststore.New(), teststore.New())
	primary := testbucket.New()
	standby := testbucket.New()
	topic := testbus.NewTopic()
	queue := testbus.NewQueue()

	manager := tiering.NewManager(log, tenants, primary, tiering.Config{
		MountDir: ctx.Dir("mount"),
	})
	executor := query.NewExecutor(log, tenants, replicas, primary, nil, manager, "us-east-1")
	standbyReader := query.NewStandby(log, tenants, replicas, standby, "us-west-2")
	pipeline := write.NewPipeline(log, tenants, replicas, primary, nil, manager, topic, "us-east-1")
	coordinator := migration.NewCoordinator(log, tenants, replicas, schemas, primary, standby, queue, migration.Config{
		SchemaBucket: "schemas",
	})
	admin := api.NewAdmin(log, tenants, replicas, schemas, primary, standby, manager, api.AdminConfig{
		PrimaryBucket:  "primary",
		ReadOnlyBucket: "replica",
		StandbyBucket:  "standby",
		SchemaBucket:   "schemas",
	})
	server := api.NewServer(log, executor, standbyReader, pipeline, coordinator, admin, api.Config{
		Endpoint: "localhost:0",
		Region:   "us-east-1",
	})

	return &env{
		server:  server,
		primary: primary,
		standby: standby,
		topic:   topic,
		tenants: tenants,
	}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reader).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reader)
	rec := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// provision creates a tenant through the HTTP surface and returns its id
// and api key.
func (e *env) provision(t *testing.T, name string) (tenantID, apiKey string) {
	rec := e.do(t, http.MethodPost, "/tenants", map[string]string{"tenant_name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Tenant struct {
			ID string `json:"tenant_id"`
		} `json:"tenant"`
		APIKey string `json:"api_key"`
	}
	decode(t, rec, &created)
	require.NotEmpty(t, created.Tenant.ID)
	require.NotEmpty(t, created.APIKey)
	return created.Tenant.ID, created.APIKey
}

func TestHealth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	rec := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]string
	decode(t, rec, &health)
	require.Equal(t, "ok", health["status"])
	require.Equal(t, "us-east-1", health["region"])
}

func TestCORS(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	rec := e.do(t, http.MethodOptions, "/query", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "POST,OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestQueryValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)

	rec := e.do(t, http.MethodPost, "/query", map[string]string{"tenant_name": "acme"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	require.Contains(t, body["error"], "api_key")
	require.Contains(t, body["error"], "sql_query")
	require.NotContains(t, body["error"], "tenant_name")
}

func TestWriteThenRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	_, apiKey := e.provision(t, "acme")

	rec := e.do(t, http.MethodPost, "/execute", map[string]string{
		"tenant_name": "acme",
		"api_key":     apiKey,
		"sql_query":   "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/execute", map[string]string{
		"tenant_name": "acme",
		"api_key":     apiKey,
		"sql_query":   "INSERT INTO notes (body) VALUES ('hello')",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var writeResult struct {
		Success       bool   `json:"success"`
		RowsAffected  int64  `json:"rows_affected"`
		SnapshotS3Key string `json:"snapshot_s3_key"`
		DBSource      string `json:"db_source"`
	}
	decode(t, rec, &writeResult)
	require.True(t, writeResult.Success)
	require.EqualValues(t, 1, writeResult.RowsAffected)
	require.Contains(t, writeResult.SnapshotS3Key, "replication_snapshots/")
	require.Equal(t, 2, e.topic.Len())

	rec = e.do(t, http.MethodPost, "/query", map[string]string{
		"tenant_name": "acme",
		"api_key":     apiKey,
		"sql_query":   "SELECT body FROM notes",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var readResult struct {
		Success  bool                     `json:"success"`
		Data     []map[string]interface{} `json:"data"`
		RowCount int                      `json:"row_count"`
		DBSource string                   `json:"db_source"`
		Region   string                   `json:"region"`
	}
	decode(t, rec, &readResult)
	require.True(t, readResult.Success)
	require.Equal(t, 1, readResult.RowCount)
	require.Equal(t, "hello", readResult.Data[0]["body"])
	require.Equal(t, "S3_READ_REPLICA", readResult.DBSource)
	require.Equal(t, "us-east-1", readResult.Region)
}

func TestAuthStatusCodes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	e.provision(t, "acme")

	rec := e.do(t, http.MethodPost, "/query", map[string]string{
		"tenant_name": "acme",
		"api_key":     "sk_wrong",
		"sql_query":   "SELECT 1",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	require.Equal(t, "authorization failed", body["error"])

	rec = e.do(t, http.MethodPost, "/query", map[string]string{
		"tenant_name": "ghost",
		"api_key":     "sk_whatever",
		"sql_query":   "SELECT 1",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryErrorIsBadRequest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	_, apiKey := e.provision(t, "acme")

	rec := e.do(t, http.MethodPost, "/query", map[string]string{
		"tenant_name": "acme",
		"api_key":     apiKey,
		"sql_query":   "SELECT * FROM no_such_table",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStandbyQuery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	_, apiKey := e.provision(t, "acme")

	rec := e.do(t, http.MethodPost, "/standby/query", map[string]string{
		"tenant_name": "acme",
		"api_key":     apiKey,
		"sql_query":   "SELECT 1 AS n",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		DBSource string `json:"db_source"`
		Region   string `json:"region"`
	}
	decode(t, rec, &result)
	require.Equal(t, "S3_STANDBY", result.DBSource)
	require.Equal(t, "us-west-2", result.Region)
}

func TestMigrateRejectsUnsafeOps(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)

	rec := e.do(t, http.MethodPost, "/migrate", map[string]interface{}{
		"scope":     "TEMPLATE",
		"schema_id": "schema-1",
		"operations": []map[string]string{
			{"op": "DROP_TABLE", "table": "users; DROP TABLE secrets"},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	tenantID, _ := e.provision(t, "acme")

	// The database file was provisioned into all three buckets.
	require.Len(t, e.primary.Keys("primary"), 1)
	require.Len(t, e.primary.Keys("replica"), 1)
	require.Len(t, e.standby.Keys("standby"), 1)

	rec := e.do(t, http.MethodGet, "/tenants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []tenantdb.Tenant
	decode(t, rec, &listed)
	require.Len(t, listed, 1)
	require.Empty(t, listed[0].APIKey)

	rec = e.do(t, http.MethodGet, "/tenants/"+tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodDelete, "/tenants/"+tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted struct {
		Success      bool     `json:"success"`
		TenantID     string   `json:"tenant_id"`
		DeleteErrors []string `json:"delete_errors"`
	}
	decode(t, rec, &deleted)
	require.True(t, deleted.Success)
	require.Equal(t, tenantID, deleted.TenantID)
	require.Empty(t, deleted.DeleteErrors)

	require.Empty(t, e.primary.Keys("primary"))
	require.Empty(t, e.standby.Keys("standby"))

	rec = e.do(t, http.MethodGet, "/tenants/"+tenantID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTenantReportsBucketFailures(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)
	tenantID, _ := e.provision(t, "acme")

	e.primary.SetDeleteError(objectstore.Error.New("bucket unavailable"))

	rec := e.do(t, http.MethodDelete, "/tenants/"+tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted struct {
		Success      bool     `json:"success"`
		DeleteErrors []string `json:"delete_errors"`
	}
	decode(t, rec, &deleted)
	require.True(t, deleted.Success)
	require.Len(t, deleted.DeleteErrors, 2)

	// Metadata is gone regardless.
	_, err := e.tenants.Get(ctx, tenantID)
	require.True(t, tenantdb.ErrNotFound.Has(err))
}

func TestSchemaLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	e := newEnv(t, ctx)

	rec := e.do(t, http.MethodPost, "/schemas", map[string]string{
		"schema_name": "base",
		"schema_type": "TEMPLATE",
		"schema_sql":  "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var schema tenantdb.Schema
	decode(t, rec, &schema)
	require.NotEmpty(t, schema.ID)
	require.Equal(t, "TEMPLATE", schema.Type)
	require.True(t, e.primary.Exists("schemas", schema.S3Path))

	// Broken DDL never becomes an artifact.
	rec = e.do(t, http.MethodPost, "/schemas", map[string]string{
		"schema_name": "broken",
		"schema_sql":  "CREATE TABL oops",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/schemas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schemas []tenantdb.Schema
	decode(t, rec, &schemas)
	require.Len(t, schemas, 1)

	rec = e.do(t, http.MethodGet, "/schemas/"+schema.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A tenant provisioned from the schema reports it back.
	rec = e.do(t, http.MethodPost, "/tenants", map[string]string{
		"tenant_name": "acme",
		"schema_id":   schema.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Tenant struct {
			ID string `json:"tenant_id"`
		} `json:"tenant"`
	}
	decode(t, rec, &created)

	rec = e.do(t, http.MethodGet, "/tenants/"+created.Tenant.ID+"/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tenantSchema tenantdb.Schema
	decode(t, rec, &tenantSchema)
	require.Equal(t, schema.ID, tenantSchema.ID)
}
