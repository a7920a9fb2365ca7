// Package tiering manages tenant placement between the hot cache (a
// shared file-system mount) and cold object storage: rehydration on
// demand, demotion on idle.
package tiering

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
)

var (
	mon = monkit.Package()

	// Error is the default tiering errs class.
	Error = errs.Class("tiering")

	// ErrRehydration is returned when a tenant file could not be
	// materialized into the hot cache. Read paths treat it as non-fatal.
	ErrRehydration = errs.Class("rehydration failed")
)

// Config holds hot cache placement settings.
type Config struct {
	MountDir       string        `help:"hot cache mount root" default:"/mnt/tenantdb"`
	ColdThreshold  time.Duration `help:"idle time before a hot tenant is demoted" default:"24h"`
	DemoteInterval time.Duration `help:"how often the demotion chore scans for idle tenants" default:"1h"`
}

// Manager moves tenant files between the hot cache and object storage.
type Manager struct {
	log      *zap.Logger
	tenants  *tenantdb.Tenants
	store    objectstore.Store
	mountDir string
}

// NewManager creates a Manager.
func NewManager(log *zap.Logger, tenants *tenantdb.Tenants, store objectstore.Store, config Config) *Manager {
	return &Manager{
		log:      log,
		tenants:  tenants,
		store:    store,
		mountDir: config.MountDir,
	}
}

// HotPath returns the hot cache location for a database key.
func (manager *Manager) HotPath(dbKey string) string {
	return filepath.Join(manager.mountDir, filepath.FromSlash(dbKey))
}

// HotFileExists reports whether the hot cache holds a file for the key.
func (manager *Manager) HotFileExists(dbKey string) bool {
	info, err := os.Stat(manager.HotPath(dbKey))
	return err == nil && !info.IsDir()
}

// Rehydrate materializes bucket/dbKey into the hot cache and transitions
// the tenant to HOT. Writes source the primary bucket; reads may source
// the read-replica.
func (manager *Manager) Rehydrate(ctx context.Context, tenantID, bucket, dbKey string) (err error) {
	defer mon.Task()(&ctx)(&err)

	target := manager.HotPath(dbKey)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return ErrRehydration.New("ensure directory: %w", err)
	}
	if err := manager.store.Download(ctx, bucket, dbKey, target); err != nil {
		return ErrRehydration.New("download %s/%s: %w", bucket, dbKey, err)
	}
	if _, err := os.Stat(target); err != nil {
		return ErrRehydration.New("verify %s: %w", target, err)
	}
	if err := manager.tenants.MarkHot(ctx, tenantID, dbKey); err != nil {
		return ErrRehydration.New("mark hot: %w", err)
	}

	manager.log.Info("tenant rehydrated",
		zap.String("tenant_id", tenantID),
		zap.String("bucket", bucket),
		zap.String("db_key", dbKey))
	return nil
}

// Evict removes a tenant file from the hot cache, best-effort.
func (manager *Manager) Evict(dbKey string) {
	if err := os.Remove(manager.HotPath(dbKey)); err != nil && !os.IsNotExist(err) {
		manager.log.Warn("failed to remove hot cache file",
			zap.String("db_key", dbKey), zap.Error(err))
	}
}
