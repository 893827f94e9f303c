// Package photo keeps a local disk cache of speaker photos keyed by speaker
// identifier.
package photo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"signage/internal/fetch"
	appLog "signage/internal/log"
	"signage/internal/metrics"
)

// Ext is the extension of cached photo files. The payload is whatever image
// format the source served.
const Ext = ".dat"

// Cache maps a speaker identifier to <dir>/<id>.dat, downloading on miss.
// A cached file is never downloaded again until it is removed from disk.
type Cache struct {
	dir    string
	client *http.Client
	group  singleflight.Group
}

// NewCache creates a Cache rooted at dir. A nil client gets a default one
// with fetch.DefaultTimeout.
func NewCache(dir string, client *http.Client) *Cache {
	if client == nil {
		client = &http.Client{Timeout: fetch.DefaultTimeout}
	}
	return &Cache{dir: dir, client: client}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns the cache file path for speakerID.
func (c *Cache) Path(speakerID string) string {
	return filepath.Join(c.dir, speakerID+Ext)
}

// Has reports whether a photo for speakerID is on disk.
func (c *Cache) Has(speakerID string) bool {
	_, err := os.Lstat(c.Path(speakerID))
	return err == nil
}

// EnsureCached makes sure the photo of speakerID is on disk, downloading it
// from sourceURL on a miss. A blank sourceURL is a no-op. Failures are logged
// and swallowed: a missing photo must never abort a sync.
func (c *Cache) EnsureCached(ctx context.Context, speakerID, sourceURL string) {
	if speakerID == "" || filepath.Base(speakerID) != speakerID {
		appLog.Warn("photo: invalid speaker id", "speaker_id", speakerID)
		metrics.IncPhotoFetch("skipped")
		return
	}

	if c.Has(speakerID) {
		metrics.IncPhotoFetch("hit")
		return
	}

	// Concurrent callers for the same id share one download.
	_, _, _ = c.group.Do(speakerID, func() (any, error) {
		// Re-check: a previous flight may have just finished.
		if c.Has(speakerID) {
			metrics.IncPhotoFetch("hit")
			return nil, nil
		}
		if err := c.download(ctx, speakerID, sourceURL); err != nil {
			if errors.Is(err, errNoSource) {
				metrics.IncPhotoFetch("skipped")
				return nil, nil
			}
			metrics.IncPhotoFetch("error")
			appLog.Error("photo: unable to cache", err, "speaker_id", speakerID, "url", appLog.RedactURL(sourceURL))
			return nil, nil
		}
		metrics.IncPhotoFetch("downloaded")
		return nil, nil
	})
}

var errNoSource = errors.New("no photo url")

func (c *Cache) download(ctx context.Context, speakerID, sourceURL string) error {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return errNoSource
	}
	if strings.Contains(sourceURL, `\`) {
		appLog.Warn("photo: image url badly formed, fixing", "speaker_id", speakerID, "url", sourceURL)
		sourceURL = strings.ReplaceAll(sourceURL, `\`, "/")
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", fetch.BrowserUserAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &fetch.StatusError{URL: sourceURL, Code: resp.StatusCode}
	}

	n, err := fetch.WriteAtomic(c.Path(speakerID), resp.Body)
	if err != nil {
		return err
	}
	appLog.Debug("photo cached", "speaker_id", speakerID, "bytes", n, "took", time.Since(start).String())
	return nil
}

// Purge removes every cached photo and returns how many files were
// deleted. Only files with the Ext suffix are touched, so a cache that
// shares its directory with other data leaves that data alone. A missing
// cache directory counts as empty.
func (c *Cache) Purge() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
