// Package fetch downloads remote documents into a local snapshot directory.
//
// Every download goes to a pending temp file next to its destination and is
// renamed over the destination only after the body was copied completely and
// the file was synced and closed. A failed download therefore never leaves a
// truncated or empty snapshot behind, and the previous snapshot stays usable.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	appLog "signage/internal/log"
	"signage/internal/metrics"
)

const (
	DefaultTimeout = 15 * time.Second

	// BrowserUserAgent is sent to hosts that reject Go's default agent
	// (several image CDNs do).
	BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// StatusError is returned when the server answered with a non-200 status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s: unexpected status %d %s", appLog.RedactURL(e.URL), e.Code, http.StatusText(e.Code))
}

// Fetcher retrieves remote resources into files under dir.
type Fetcher struct {
	client    *http.Client
	dir       string
	userAgent string
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client. The client's Timeout is the only
// bail-out for a stalled transfer, so it should be set.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header of every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// New creates a Fetcher writing into dir with the given per-request
// timeout. A non-positive timeout selects DefaultTimeout.
func New(dir string, timeout time.Duration, opts ...Option) *Fetcher {
	if dir == "" {
		// Development fallback; callers should set this explicitly.
		dir = "./var"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fetcher{
		client: &http.Client{Timeout: timeout},
		dir:    dir,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dir returns the snapshot directory.
func (f *Fetcher) Dir() string { return f.dir }

// Path returns the snapshot path for name.
func (f *Fetcher) Path(name string) string {
	return filepath.Join(f.dir, name)
}

// Stale reports whether a snapshot for name exists from an earlier
// download.
func (f *Fetcher) Stale(name string) bool {
	st, err := os.Stat(f.Path(name))
	return err == nil && st.Mode().IsRegular()
}

// Open opens the snapshot for name.
func (f *Fetcher) Open(name string) (*os.File, error) {
	return os.Open(f.Path(name))
}

// Remove deletes the named snapshots. Missing files are ignored.
func (f *Fetcher) Remove(names ...string) error {
	var errs []error
	for _, name := range names {
		if err := os.Remove(f.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fetch downloads url and atomically replaces the snapshot called name.
// On any error the previous snapshot, if there is one, is left as it was.
func (f *Fetcher) Fetch(ctx context.Context, url, name string) error {
	if url == "" {
		return errors.New("fetch: url is empty")
	}
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("fetch: invalid snapshot name %q", name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("fetch: build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	appLog.Debug("fetch start", "url", appLog.RedactURL(url), "name", name)

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.IncFetch("network")
		return fmt.Errorf("fetch: %s: %w", appLog.RedactURL(url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.IncFetch("status")
		return &StatusError{URL: url, Code: resp.StatusCode}
	}

	n, err := WriteAtomic(f.Path(name), resp.Body)
	if err != nil {
		metrics.IncFetch("write")
		return fmt.Errorf("fetch: %s: %w", name, err)
	}

	metrics.IncFetch("success")
	appLog.Debug("fetch success", "url", appLog.RedactURL(url), "name", name, "bytes", n)
	return nil
}

// WriteAtomic streams r into path through a pending temp file in the same
// directory and renames it over path once everything was written and
// synced. The directory is created when missing.
func WriteAtomic(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	pending, err := renameio.NewPendingFile(path,
		renameio.WithTempDir(filepath.Dir(path)),
		renameio.WithPermissions(0o644),
	)
	if err != nil {
		return 0, fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		// No-op once committed; removes the temp file otherwise.
		if err := pending.Cleanup(); err != nil {
			appLog.Debug("cleanup pending file", "path", path, "err", err)
		}
	}()

	n, err := io.Copy(pending, r)
	if err != nil {
		return n, fmt.Errorf("copy body: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, fmt.Errorf("atomically replace: %w", err)
	}
	return n, nil
}
