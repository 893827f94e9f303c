package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "signage/internal/log"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// onlyFile asserts that dir holds exactly the named file (no temp leftovers).
func onlyFile(t *testing.T, dir, name string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "unexpected files in %s: %v", dir, entries)
	assert.Equal(t, name, entries[0].Name())
}

func TestFetchWritesSnapshot(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = io.WriteString(w, `[{"uuid":"abc123"}]`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir, time.Second, WithUserAgent("signage-test"))

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/speakers", "speakers.json"))
	assert.Equal(t, `[{"uuid":"abc123"}]`, readFile(t, f.Path("speakers.json")))
	assert.Equal(t, "signage-test", gotUA)
	assert.True(t, f.Stale("speakers.json"))
	onlyFile(t, dir, "speakers.json")
}

func TestFetchReplacesPreviousContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "new")
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "schedule-monday.json"), "old content that is longer than new")

	f := New(dir, time.Second)
	require.NoError(t, f.Fetch(context.Background(), srv.URL, "schedule-monday.json"))
	assert.Equal(t, "new", readFile(t, f.Path("schedule-monday.json")))
	onlyFile(t, dir, "schedule-monday.json")
}

func TestFetchFailuresKeepPreviousSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		closed  bool
		check   func(t *testing.T, err error)
	}{
		{
			name:   "unreachable host",
			closed: true,
		},
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "<html>maintenance</html>", http.StatusServiceUnavailable)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, http.StatusServiceUnavailable, se.Code)
			},
		},
		{
			name: "truncated body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "1000")
				_, _ = io.WriteString(w, `{"slots":[`)
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.handler
			if h == nil {
				h = func(w http.ResponseWriter, r *http.Request) {}
			}
			srv := httptest.NewServer(h)
			url := srv.URL
			if tt.closed {
				srv.Close()
			} else {
				defer srv.Close()
			}

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "speakers.json"), "last-known-good")

			f := New(dir, 100*time.Millisecond)
			err := f.Fetch(context.Background(), url, "speakers.json")
			require.Error(t, err)
			if tt.check != nil {
				tt.check(t, err)
			}

			assert.Equal(t, "last-known-good", readFile(t, f.Path("speakers.json")))
			onlyFile(t, dir, "speakers.json")
		})
	}
}

func TestFetchRejectsBadArguments(t *testing.T) {
	f := New(t.TempDir(), time.Second)
	assert.Error(t, f.Fetch(context.Background(), "", "x.json"))
	assert.Error(t, f.Fetch(context.Background(), "http://127.0.0.1/", "../escape.json"))
	assert.Error(t, f.Fetch(context.Background(), "http://127.0.0.1/", ""))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "schedule-monday.json"), "{}")
	f := New(dir, time.Second)

	require.NoError(t, f.Remove("schedule-monday.json", "schedule-tuesday.json"))
	assert.False(t, f.Stale("schedule-monday.json"))
}

func TestWriteAtomicCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "photo.dat")
	n, err := WriteAtomic(path, errReader{data: "abc"})
	require.Error(t, err)
	assert.Equal(t, int64(3), n)
	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	_, err = WriteAtomic(path, strings.NewReader("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", readFile(t, path))
}

// errReader yields its data together with an error, like a connection reset
// mid-transfer.
type errReader struct {
	data string
}

func (r errReader) Read(p []byte) (int, error) {
	return copy(p, r.data), errors.New("connection reset")
}

func TestFetchStagesNextToDestination(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"uuid":`)
		w.(http.Flusher).Flush()
		<-release
		_, _ = io.WriteString(w, `"abc123"}]`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir, 0, WithClient(&http.Client{Timeout: 5 * time.Second}))

	done := make(chan error, 1)
	go func() { done <- f.Fetch(context.Background(), srv.URL+"/speakers", "speakers.json") }()

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, ".speakers.json*"))
		return len(matches) == 1
	}, 3*time.Second, 10*time.Millisecond, "pending file lives in the snapshot directory")
	assert.NoFileExists(t, f.Path("speakers.json"))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, `[{"uuid":"abc123"}]`, readFile(t, f.Path("speakers.json")))
	onlyFile(t, dir, "speakers.json")
}
