// Package api is the HTTP/JSON adapter in front of the data plane.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/migration"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/query"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/write"
)

var mon = monkit.Package()

// Config holds the HTTP server settings.
type Config struct {
	Endpoint string `help:"server endpoint (IP + port)" default:"localhost:8080"`
	Region   string `help:"primary region identifier" default:"us-east-1"`
}

// QueryRequest is the body shared by the read, write, and standby-read
// endpoints.
type QueryRequest struct {
	TenantName string `json:"tenant_name"`
	APIKey     string `json:"api_key"`
	SQLQuery   string `json:"sql_query"`
}

// Server implements the REST API for tenant queries, writes, migrations,
// and directory administration.
type Server struct {
	log         *zap.Logger
	executor    *query.Executor
	standby     *query.Standby
	pipeline    *write.Pipeline
	coordinator *migration.Coordinator
	admin       *Admin
	endpoint    string
	region      string

	Handler http.Handler
}

// NewServer creates the server and its route table.
func NewServer(log *zap.Logger, executor *query.Executor, standby *query.Standby, pipeline *write.Pipeline, coordinator *migration.Coordinator, admin *Admin, config Config) *Server {
	server := &Server{
		log:         log,
		executor:    executor,
		standby:     standby,
		pipeline:    pipeline,
		coordinator: coordinator,
		admin:       admin,
		endpoint:    config.Endpoint,
		region:      config.Region,
	}

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/query", server.handleQuery).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/execute", server.handleExecute).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/standby/query", server.handleStandbyQuery).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/migrate", server.handleMigrate).Methods(http.MethodPost, http.MethodOptions)

	router.HandleFunc("/tenants", server.handleCreateTenant).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/tenants", server.handleListTenants).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{id}", server.handleGetTenant).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{id}", server.handleDeleteTenant).Methods(http.MethodDelete)
	router.HandleFunc("/tenants/{id}/schema", server.handleTenantSchema).Methods(http.MethodGet)

	router.HandleFunc("/schemas", server.handleCreateSchema).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/schemas", server.handleListSchemas).Methods(http.MethodGet)
	router.HandleFunc("/schemas/{id}", server.handleGetSchema).Methods(http.MethodGet)

	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	server.Handler = router
	return server
}

// Run starts the server.
func (server *Server) Run() error {
	server.log.Info("api server listening", zap.String("endpoint", server.endpoint))
	return http.ListenAndServe(server.endpoint, server.Handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Api-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	request, err := server.decodeQueryRequest(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	result, err := server.executor.Execute(ctx, request.TenantName, request.APIKey, request.SQLQuery)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	request, err := server.decodeQueryRequest(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	result, err := server.pipeline.Execute(ctx, request.TenantName, request.APIKey, request.SQLQuery)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleStandbyQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	request, err := server.decodeQueryRequest(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	result, err := server.standby.Execute(ctx, request.TenantName, request.APIKey, request.SQLQuery)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var request migration.Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		server.errorResponse(w, ErrBadRequest.New("invalid JSON body: %v", err))
		return
	}
	result, err := server.coordinator.Run(ctx, request)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.jsonResponse(w, http.StatusOK, map[string]string{
		"status": "ok",
		"region": server.region,
	})
}

func (server *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var request CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		server.errorResponse(w, ErrBadRequest.New("invalid JSON body: %v", err))
		return
	}
	result, err := server.admin.CreateTenant(r.Context(), request)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusCreated, result)
}

func (server *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	result, err := server.admin.ListTenants(r.Context())
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	result, err := server.admin.GetTenant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	result, err := server.admin.DeleteTenant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleTenantSchema(w http.ResponseWriter, r *http.Request) {
	result, err := server.admin.TenantSchema(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	var request CreateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		server.errorResponse(w, ErrBadRequest.New("invalid JSON body: %v", err))
		return
	}
	result, err := server.admin.CreateSchema(r.Context(), request)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusCreated, result)
}

func (server *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	result, err := server.admin.ListSchemas(r.Context())
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	result, err := server.admin.GetSchema(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) decodeQueryRequest(r *http.Request) (*QueryRequest, error) {
	var request QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return nil, ErrBadRequest.New("invalid JSON body: %v", err)
	}
	var missing []string
	if request.TenantName == "" {
		missing = append(missing, "tenant_name")
	}
	if request.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if strings.TrimSpace(request.SQLQuery) == "" {
		missing = append(missing, "sql_query")
	}
	if len(missing) > 0 {
		return nil, ErrBadRequest.New("missing required fields: %s", strings.Join(missing, ", "))
	}
	return &request, nil
}

func (server *Server) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (server *Server) errorResponse(w http.ResponseWriter, err error) {
	server.log.Warn("error during API request", zap.Error(err))

	resp := toErrorResponse(err)
	payload, _ := json.Marshal(resp)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(payload)
}
