// Package resultcache implements the tenant-scoped, versioned query result
// cache. Every successful write bumps a per-tenant generation counter,
// orphaning the previous generation; stale entries expire by TTL. The
// cache is optional: every error is logged and bypassed, correctness never
// depends on it.
package resultcache

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default resultcache errs class.
var Error = errs.Class("resultcache")

// Config holds the redis connection settings for the query result cache.
type Config struct {
	Enabled        bool          `help:"enable the query result cache" default:"true"`
	Address        string        `help:"redis address (host:port)" default:"localhost:6379"`
	Password       string        `help:"redis auth token" default:""`
	DB             int           `help:"redis database number" default:"0"`
	TLS            bool          `help:"connect to redis over TLS" default:"false"`
	TTL            time.Duration `help:"cached result lifetime" default:"5m"`
	ConnectTimeout time.Duration `help:"redis dial timeout" default:"50ms"`
	IOTimeout      time.Duration `help:"redis read/write timeout" default:"50ms"`
	MaxValueBytes  int           `help:"largest result payload to cache" default:"1048576"`
}

// Cache is the versioned redis read cache. A nil *Cache is valid and
// behaves as a permanent miss.
type Cache struct {
	log      *zap.Logger
	client   *redis.Client
	ttl      time.Duration
	maxValue int
}

// New connects the cache, or returns nil when disabled.
func New(log *zap.Logger, cfg Config) (*Cache, error) {
	if !cfg.Enabled || cfg.Address == "" {
		log.Info("query result cache disabled")
		return nil, nil
	}
	if cfg.TTL <= 0 {
		return nil, Error.New("TTL must be positive")
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.IOTimeout,
		WriteTimeout: cfg.IOTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	log.Info("query result cache enabled",
		zap.String("address", cfg.Address),
		zap.Duration("ttl", cfg.TTL),
	)

	return &Cache{
		log:      log,
		client:   redis.NewClient(opts),
		ttl:      cfg.TTL,
		maxValue: cfg.MaxValueBytes,
	}, nil
}

// Ping checks the redis connection.
func (cache *Cache) Ping(ctx context.Context) error {
	if cache == nil {
		return nil
	}
	return Error.Wrap(cache.client.Ping(ctx).Err())
}

// Close closes the redis connection.
func (cache *Cache) Close() error {
	if cache == nil || cache.client == nil {
		return nil
	}
	return Error.Wrap(cache.client.Close())
}

// Get returns the cached payload for a tenant's statement in the current
// generation, or false on miss or any cache error.
func (cache *Cache) Get(ctx context.Context, tenantID, sql string) ([]byte, bool) {
	if cache == nil {
		return nil, false
	}

	ver, ok := cache.version(ctx, tenantID)
	if !ok {
		return nil, false
	}

	payload, err := cache.client.Get(ctx, entryKey(tenantID, ver, sql)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			cache.log.Warn("cache get failed, bypassing",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return nil, false
	}
	return payload, true
}

// Set stores a payload for a tenant's statement in the current generation.
// Oversized payloads are dropped. Errors are logged and swallowed.
func (cache *Cache) Set(ctx context.Context, tenantID, sql string, payload []byte) {
	if cache == nil {
		return
	}
	if cache.maxValue > 0 && len(payload) > cache.maxValue {
		cache.log.Debug("payload exceeds cache value limit, not caching",
			zap.String("tenant_id", tenantID), zap.Int("size", len(payload)))
		return
	}

	ver, ok := cache.version(ctx, tenantID)
	if !ok {
		return
	}

	err := cache.client.Set(ctx, entryKey(tenantID, ver, sql), payload, cache.ttl).Err()
	if err != nil {
		cache.log.Warn("cache set failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// Bump atomically increments the tenant's cache generation, orphaning all
// cached entries of the previous one. Errors are logged and swallowed.
func (cache *Cache) Bump(ctx context.Context, tenantID string) {
	if cache == nil {
		return
	}
	if err := cache.client.Incr(ctx, versionKey(tenantID)).Err(); err != nil {
		cache.log.Warn("cache version bump failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// version reads the tenant's current generation; a missing key is
// generation 0.
func (cache *Cache) version(ctx context.Context, tenantID string) (int64, bool) {
	ver, err := cache.client.Get(ctx, versionKey(tenantID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, true
		}
		cache.log.Warn("cache version read failed, bypassing",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return 0, false
	}
	return ver, true
}

func versionKey(tenantID string) string {
	return fmt.Sprintf("octodb:tenant/%s/ver", tenantID)
}

func entryKey(tenantID string, ver int64, sql string) string {
	digest := sha256.Sum256([]byte(Normalize(sql)))
	return fmt.Sprintf("octodb:tenant/%s/v%d/q/%s", tenantID, ver, hex.EncodeToString(digest[:]))
}

// Normalize collapses whitespace and strips trailing semicolons so that
// formatting differences share a cache entry.
func Normalize(sql string) string {
	normalized := strings.Join(strings.Fields(sql), " ")
	normalized = strings.TrimRight(normalized, "; ")
	return normalized
}

// Cacheable reports whether a statement is a deterministic read: its
// normalized form starts with select or with.
func Cacheable(sql string) bool {
	normalized := strings.ToLower(Normalize(sql))
	return strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with")
}
