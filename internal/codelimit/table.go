package codelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/remoteconfig"
)

// Table maps error codes to human-readable messages, used for record
// titles and moment names.
type Table map[string]string

// DefaultMessage is used for codes missing from the table.
const DefaultMessage = "未知错误"

// Message returns the display message for code, falling back to
// DefaultMessage.
func (t Table) Message(code string) string {
	if msg, ok := t[code]; ok && msg != "" {
		return msg
	}

	return DefaultMessage
}

var configMapPath = regexp.MustCompile(`^([\w+/\-]+)/configMaps/(.*)$`)

// configMapSource reads a code table from a platform config map, named
// by a cos:// URL of the form cos://<parent>/configMaps/<key>.
type configMapSource struct {
	client api.Client
	parent string
	key    string
	raw    string
}

func (s *configMapSource) CacheKey() string { return s.raw }

func (s *configMapSource) Version(ctx context.Context) (int64, error) {
	md, err := s.client.GetConfigMapMetadata(ctx, s.key, s.parent)
	if err != nil {
		return 0, err
	}

	return int64(md.CurrentVersion), nil
}

func (s *configMapSource) Fetch(ctx context.Context) (json.RawMessage, error) {
	cm, err := s.client.GetConfigMap(ctx, s.key, s.parent)
	if err != nil {
		return nil, err
	}

	return json.Marshal(cm.Value)
}

// LoadRaw reads the raw code table from url, which may be an http(s)
// URL, a cos:// config map reference, or a local file path. The active
// mod converts the raw table into a Table.
func LoadRaw(ctx context.Context, url string, client api.Client, cache *remoteconfig.Cache, httpCachePath string) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch {
	case strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://"):
		data, err = downloadIfModified(ctx, url, httpCachePath)
	case strings.HasPrefix(url, "cos://"):
		data, err = loadConfigMapTable(ctx, url, client, cache)
	default:
		data, err = os.ReadFile(expandHome(url))
	}

	if err != nil {
		return nil, fmt.Errorf("loading code table from %s: %w", url, err)
	}

	return data, nil
}

func loadConfigMapTable(ctx context.Context, url string, client api.Client, cache *remoteconfig.Cache) ([]byte, error) {
	ref := strings.TrimPrefix(url, "cos://")

	m := configMapPath.FindStringSubmatch(ref)
	if m == nil {
		return nil, fmt.Errorf("invalid config map path %q", ref)
	}

	src := &configMapSource{client: client, parent: m[1], key: m[2], raw: ref}

	value := cache.Read(ctx, src)
	if value == nil {
		return nil, fmt.Errorf("config map %q unavailable and not cached", ref)
	}

	return value, nil
}

// downloadIfModified fetches url with an If-Modified-Since header based
// on the cache file's mtime; a 304 serves the cached copy.
func downloadIfModified(ctx context.Context, url, cachePath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if cachePath != "" {
		if info, err := os.Stat(cachePath); err == nil {
			req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return os.ReadFile(cachePath)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetching %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if cachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err == nil {
			os.WriteFile(cachePath, data, 0o644)
		}
	}

	return data, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}

	return path
}
