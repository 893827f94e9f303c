package board

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"signage/internal/clock"
	"signage/internal/config"
	"signage/internal/engine"
	"signage/internal/fetch"
	appLog "signage/internal/log"
	"signage/internal/model"
	"signage/internal/photo"
)

func TestMain(m *testing.M) {
	appLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var venue = time.FixedZone("UTC+1", 3600)

var monday = time.Date(2025, 10, 6, 0, 0, 0, 0, venue)

func at(h, m int) int64 {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute).UnixMilli()
}

func slotJSON(id, title string, from, to int64) string {
	return fmt.Sprintf(`{"roomId":"r","fromTimeMillis":"%d","toTimeMillis":"%d","talk":{"id":%q,"title":%q,"speakers":[{"link":{"href":"/speakers/abc123"}}]}}`,
		from, to, id, title)
}

// recorder is a Display that remembers what it was told.
type recorder struct {
	mu      sync.Mutex
	screens [][3]*model.Presentation
	online  []bool
}

func (r *recorder) SetScreenData(first, second, third *model.Presentation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screens = append(r.screens, [3]*model.Presentation{first, second, third})
}

func (r *recorder) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = append(r.online, online)
}

func (r *recorder) screenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.screens)
}

func (r *recorder) lastScreen() [3]*model.Presentation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.screens[len(r.screens)-1]
}

func (r *recorder) lastOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[len(r.online)-1]
}

type fixture struct {
	board    *Board
	display  *recorder
	clock    *clock.TestClock
	roomFile string
	photoDir string
	snapDir  string
	rosterOK atomic.Bool
	rosterN  atomic.Int32
	gate     chan struct{} // when non-nil, roster requests wait on it
	entered  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{display: &recorder{}}
	f.rosterOK.Store(true)

	days := map[string]string{
		"room1/monday": `{"slots":[` +
			slotJSON("A", "Opening keynote", at(9, 0), at(10, 0)) + `,` +
			slotJSON("B", "Second talk", at(10, 0), at(11, 0)) + `,` +
			slotJSON("C", "Third talk", at(11, 0), at(12, 0)) + `,` +
			slotJSON("D", "Fourth talk", at(12, 0), at(13, 0)) + `]}`,
		"room2/monday": `{"slots":[` + slotJSON("X", "Other room", at(9, 0), at(10, 0)) + `]}`,
	}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/speakers":
			f.rosterN.Add(1)
			if f.gate != nil {
				f.entered <- struct{}{}
				<-f.gate
			}
			if !f.rosterOK.Load() {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintf(w, `[{"uuid":"abc123","firstName":"Ada","lastName":"Lovelace","avatarURL":"%s/photos/abc123.jpg"}]`, srv.URL)
		case strings.HasPrefix(r.URL.Path, "/rooms/"):
			if doc, ok := days[strings.TrimPrefix(r.URL.Path, "/rooms/")]; ok {
				io.WriteString(w, doc)
				return
			}
			io.WriteString(w, `{"slots":[]}`)
		case strings.HasPrefix(r.URL.Path, "/photos/"):
			io.WriteString(w, "jpeg")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	f.roomFile = filepath.Join(dir, config.RoomFile)
	f.photoDir = filepath.Join(dir, "images")
	f.snapDir = filepath.Join(dir, "var")
	f.clock = clock.NewTestClock(monday, 0, 8*time.Hour)
	photos := photo.NewCache(f.photoDir, nil)

	eng := engine.New(engine.Options{
		Host:     srv.URL,
		Room:     "room1",
		Fetcher:  fetch.New(f.snapDir, 2*time.Second),
		Photos:   photos,
		Location: venue,
	})
	f.board = New(Options{
		Engine:   eng,
		Photos:   photos,
		Clock:    f.clock,
		Display:  f.display,
		RoomFile: f.roomFile,
	})
	return f
}

func TestRefreshPushesScreen(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.board.Refresh(context.Background()))
	assert.True(t, f.display.lastOnline())
	assert.True(t, f.board.Online())
	require.Equal(t, 1, f.display.screenCount())

	screen := f.display.lastScreen()
	assert.Equal(t, "A", screen[0].ID)
	assert.Equal(t, "B", screen[1].ID)
	assert.Equal(t, "C", screen[2].ID)

	snap := f.board.Snapshot()
	assert.Equal(t, "room1", snap.Room)
	assert.Equal(t, "Room 1", snap.RoomName)
	assert.True(t, snap.Online)
	assert.Equal(t, "A", snap.Selection.First.ID)
	assert.False(t, snap.LastSync.IsZero())

	rep, err := f.board.LastResult()
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Presentations)
}

func TestTickOnlyPushesChanges(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.board.Refresh(context.Background()))
	require.Equal(t, 1, f.display.screenCount())

	assert.False(t, f.board.Tick())
	f.clock.Forward30() // 08:30
	assert.False(t, f.board.Tick())
	assert.Equal(t, 1, f.display.screenCount())

	for range 3 {
		f.clock.Forward30()
	} // 10:00, A has ended
	assert.True(t, f.board.Tick())
	require.Equal(t, 2, f.display.screenCount())
	screen := f.display.lastScreen()
	assert.Equal(t, "B", screen[0].ID)
	assert.Equal(t, "D", screen[2].ID)

	f.clock.Step(5 * time.Hour) // 15:00, everything is over
	assert.True(t, f.board.Tick())
	assert.Nil(t, f.display.lastScreen()[0])
	assert.Nil(t, f.board.Snapshot().Selection.First)
}

func TestRefreshFailureGoesOffline(t *testing.T) {
	f := newFixture(t)
	f.rosterOK.Store(false)

	assert.False(t, f.board.Refresh(context.Background()))
	assert.False(t, f.display.lastOnline())
	assert.Equal(t, 0, f.display.screenCount())

	_, err := f.board.LastResult()
	assert.ErrorIs(t, err, engine.ErrRosterUnavailable)
}

func TestStaleRosterIsOffline(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.board.Refresh(context.Background()))
	require.True(t, f.board.Online())

	f.rosterOK.Store(false)
	assert.True(t, f.board.Refresh(context.Background()), "snapshot keeps the sync working")
	assert.False(t, f.board.Online())
	assert.False(t, f.display.lastOnline())
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	f := newFixture(t)
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)

	results := make(chan bool, 2)
	go func() { results <- f.board.Refresh(context.Background()) }()
	<-f.entered

	go func() { results <- f.board.Refresh(context.Background()) }()
	time.Sleep(100 * time.Millisecond)
	close(f.gate)

	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.Equal(t, int32(1), f.rosterN.Load())
	assert.Equal(t, 1, f.display.screenCount())
}

func TestSwitchRoom(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.board.Refresh(context.Background()))

	ok, err := f.board.SwitchRoom(context.Background(), " room2 ")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "room2", f.board.Engine().Room())
	require.Equal(t, 2, f.display.screenCount())
	assert.Equal(t, "X", f.display.lastScreen()[0].ID)
	assert.Nil(t, f.display.lastScreen()[1])

	snap := f.board.Snapshot()
	assert.Equal(t, "Room 2", snap.RoomName)

	room, err := config.LoadRoom(f.roomFile)
	require.NoError(t, err)
	assert.Equal(t, "room2", room)

	_, err = f.board.SwitchRoom(context.Background(), "")
	assert.Error(t, err)
}

func TestSwitchRoomFailureKeepsRoom(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.board.Refresh(context.Background()))

	blocked := filepath.Join(f.snapDir, engine.DayFile("room1", "friday"))
	require.NoError(t, os.Remove(blocked))
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "keep"), 0o755))

	ok, err := f.board.SwitchRoom(context.Background(), "room2")
	require.Error(t, err)
	assert.False(t, ok)

	assert.Equal(t, "room1", f.board.Engine().Room())
	snap := f.board.Snapshot()
	assert.Equal(t, "room1", snap.Room)
	require.NotNil(t, snap.Selection.First)
	assert.Equal(t, "A", snap.Selection.First.ID)
	assert.NoFileExists(t, f.roomFile)
	assert.Equal(t, 1, f.display.screenCount())
}

func TestRecachePhotos(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.board.Refresh(context.Background()))
	cached := filepath.Join(f.photoDir, "abc123"+photo.Ext)
	require.FileExists(t, cached)

	require.NoError(t, os.WriteFile(filepath.Join(f.photoDir, "stale"+photo.Ext), []byte("x"), 0o644))

	removed, err := f.board.RecachePhotos(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.FileExists(t, cached)
	assert.NoFileExists(t, filepath.Join(f.photoDir, "stale"+photo.Ext))
}

func TestStartStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New(Options{
		Engine:        engine.New(engine.Options{Room: "bof1", Fetcher: fetch.New(t.TempDir(), time.Second)}),
		Clock:         clock.NewTestClock(monday, 0, 9*time.Hour),
		ScreenRefresh: time.Second,
		DataRefresh:   time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := b.Start(ctx)

	require.Eventually(t, func() bool {
		return !b.Snapshot().Now.IsZero()
	}, 3*time.Second, 20*time.Millisecond, "screen tick runs")
	assert.Equal(t, "BOF 1", b.Snapshot().RoomName)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRoomName(t *testing.T) {
	tests := map[string]string{
		"room1":    "Room 1",
		"room10":   "Room 10",
		"roomc":    "Room C",
		"bof2":     "BOF 2",
		"aud_room": "Auditorium",
		"room":     "room",
		"exhibit":  "exhibit",
		"":         "",
	}
	for in, want := range tests {
		assert.Equal(t, want, RoomName(in), in)
	}
}
