// Package remoteconfig caches versioned server-side configuration on
// disk. Reads go through the cache: when the server is unreachable the
// last known value is returned, so the agent keeps its behavior across
// network loss.
package remoteconfig

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// Source is one remotely versioned config object.
type Source interface {
	// CacheKey names the on-disk cache entry. Path separators create
	// subdirectories under the cache root.
	CacheKey() string
	// Version returns the server-side version counter.
	Version(ctx context.Context) (int64, error)
	// Fetch returns the current config value.
	Fetch(ctx context.Context) (json.RawMessage, error)
}

type envelope struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

// Cache is a directory of fetch-through config caches.
type Cache struct {
	dir     string
	enabled bool
	logger  *slog.Logger
}

func NewCache(dir string, enabled bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{dir: dir, enabled: enabled, logger: logger}
}

// Read returns the freshest available value for src. It never fails: on
// any fetch or version error the cached value is returned, which may be
// nil when nothing was ever cached.
func (c *Cache) Read(ctx context.Context, src Source) json.RawMessage {
	key := src.CacheKey()

	if !c.enabled {
		value, err := src.Fetch(ctx)
		if err != nil {
			c.logger.Warn("fetching remote config failed", "key", key, "error", err)

			return nil
		}

		return value
	}

	path := filepath.Join(c.dir, key+".json")
	cached := c.load(path)

	version, err := src.Version(ctx)
	if err != nil {
		c.logger.Warn("fetching remote config version failed, using cache",
			"key", key, "error", err)

		return cached.Value
	}

	if cached.Value != nil && cached.Version == version {
		return cached.Value
	}

	value, err := src.Fetch(ctx)
	if err != nil {
		c.logger.Warn("fetching remote config failed, using cache",
			"key", key, "error", err)

		return cached.Value
	}

	if len(value) > 0 {
		c.store(path, envelope{Version: version, Value: value})
	}

	return value
}

func (c *Cache) load(path string) envelope {
	var env envelope

	data, err := os.ReadFile(path)
	if err != nil {
		return env
	}

	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("discarding corrupt config cache", "path", path, "error", err)

		return envelope{}
	}

	return env
}

func (c *Cache) store(path string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("encoding config cache failed", "path", path, "error", err)

		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.logger.Warn("creating config cache dir failed", "path", path, "error", err)

		return
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("writing config cache failed", "path", path, "error", err)

		return
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		c.logger.Warn("replacing config cache failed", "path", path, "error", err)
	}
}
