package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "rstrack/internal/log"
)

// cacheMeta holds HTTP validators for one cached GET.
type cacheMeta struct {
	Path         string    `json:"path"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// diskCache stores event reads under dir/<hash>/{meta.json,body.json} so
// event status can still be evaluated without connectivity.
type diskCache struct {
	dir string
}

func (d *diskCache) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:8]))
}

func (d *diskCache) load(key string) (cacheMeta, []byte) {
	p := d.pathFor(key)
	var meta cacheMeta
	if data, err := os.ReadFile(filepath.Join(p, "meta.json")); err == nil {
		if json.Unmarshal(data, &meta) != nil {
			meta = cacheMeta{}
		}
	}
	body, _ := os.ReadFile(filepath.Join(p, "body.json"))
	return meta, body
}

func (d *diskCache) save(key string, meta cacheMeta, body []byte) error {
	p := d.pathFor(key)
	if err := os.MkdirAll(p, 0o700); err != nil {
		return err
	}
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(p, "body.json"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p, "meta.json"), data, 0o600)
}

// getCached performs a GET that revalidates against, and falls back to,
// the disk cache. Without a cache it is a plain GET.
func (c *Client) getCached(ctx context.Context, op, path string) ([]byte, error) {
	var (
		meta   cacheMeta
		cached []byte
	)
	// Keyed on the full URL so a different backend never serves another's copy.
	key := c.baseURL + path
	if c.cache != nil {
		meta, cached = c.cache.load(key)
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("api: %s: %w", op, err)
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if len(cached) > 0 {
			appLog.Error("api network error, using cached body", err, "op", op, "path", path)
			return cached, nil
		}
		return nil, fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("api: %s: %w", op, err)
		}
		if c.cache != nil {
			newMeta := cacheMeta{
				Path:         path,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := c.cache.save(key, newMeta, body); err != nil {
				appLog.Error("api cache save failed", err, "op", op, "path", path)
			}
		}
		return body, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return nil, errors.New("api: " + op + ": 304 Not Modified but no cached body")
		}
		appLog.Debug("api not modified; using cache", "op", op, "path", path)
		return cached, nil

	case resp.StatusCode >= 500 && len(cached) > 0:
		appLog.Error("api server error, using cached body", errors.New(resp.Status), "op", op, "path", path)
		return cached, nil

	default:
		return nil, statusError(op, resp)
	}
}
