// Package board drives one room screen: it syncs the schedule on a timer,
// recomputes the selection on another, and pushes changes to a Display.
package board

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"signage/internal/clock"
	"signage/internal/config"
	"signage/internal/engine"
	appLog "signage/internal/log"
	"signage/internal/metrics"
	"signage/internal/model"
	"signage/internal/photo"
	"signage/internal/selector"
)

const refreshKey = "refresh"

// Display receives what the screen should show. Implementations must not
// block for long; they are called from the scheduler.
type Display interface {
	SetScreenData(first, second, third *model.Presentation)
	SetOnline(online bool)
}

type nopDisplay struct{}

func (nopDisplay) SetScreenData(_, _, _ *model.Presentation) {}
func (nopDisplay) SetOnline(bool)                            {}

// Options configures a Board.
type Options struct {
	Engine  *engine.Engine
	Photos  *photo.Cache // may be nil
	Clock   clock.Clock
	Display Display // nil discards updates

	// RoomFile, if set, receives the room selected with SwitchRoom.
	RoomFile string

	ScreenRefresh time.Duration
	DataRefresh   time.Duration
}

// Snapshot is the last computed screen state.
type Snapshot struct {
	Room      string
	RoomName  string
	Online    bool
	Now       time.Time
	Selection selector.Selection
	LastSync  time.Time
}

// Board glues the sync engine, the selector and the clock together.
type Board struct {
	engine        *engine.Engine
	photos        *photo.Cache
	clock         clock.Clock
	display       Display
	roomFile      string
	screenRefresh time.Duration
	dataRefresh   time.Duration

	sel   selector.Selector
	group singleflight.Group

	// opMu serializes syncs with room switches.
	opMu sync.Mutex

	mu         sync.RWMutex
	online     bool
	snapshot   Snapshot
	lastReport engine.Report
	lastErr    error
}

// New returns a Board. Zero refresh intervals fall back to one minute for
// the screen and thirty minutes for data.
func New(opts Options) *Board {
	b := &Board{
		engine:        opts.Engine,
		photos:        opts.Photos,
		clock:         opts.Clock,
		display:       opts.Display,
		roomFile:      opts.RoomFile,
		screenRefresh: opts.ScreenRefresh,
		dataRefresh:   opts.DataRefresh,
	}
	if b.clock == nil {
		b.clock = clock.Real(time.Local)
	}
	if b.display == nil {
		b.display = nopDisplay{}
	}
	if b.screenRefresh <= 0 {
		b.screenRefresh = time.Minute
	}
	if b.dataRefresh <= 0 {
		b.dataRefresh = 30 * time.Minute
	}
	room := b.engine.Room()
	b.snapshot = Snapshot{Room: room, RoomName: RoomName(room)}
	return b
}

// Refresh syncs the schedule and reports whether the sync succeeded. A call
// made while another refresh runs joins it instead of starting a second one.
func (b *Board) Refresh(ctx context.Context) bool {
	v, _, _ := b.group.Do(refreshKey, func() (any, error) {
		return b.refresh(ctx), nil
	})
	return v.(bool)
}

func (b *Board) refresh(ctx context.Context) bool {
	b.opMu.Lock()
	rep, err := b.engine.Sync(ctx)
	b.opMu.Unlock()

	ok := err == nil
	online := ok && !rep.RosterStale

	b.mu.Lock()
	b.online = online
	b.lastReport = rep
	b.lastErr = err
	b.mu.Unlock()

	metrics.SetOnline(online)
	b.display.SetOnline(online)

	if ok {
		b.Tick()
	}
	return ok
}

// Tick recomputes the selection at the clock's current time and pushes it
// to the display when the headline presentation changed.
func (b *Board) Tick() bool {
	now := b.clock.Now()
	room := b.engine.Room()
	sel, changed := b.sel.Select(now, b.engine.Presentations())

	b.mu.Lock()
	b.snapshot = Snapshot{
		Room:      room,
		RoomName:  RoomName(room),
		Online:    b.online,
		Now:       now,
		Selection: sel,
		LastSync:  b.engine.LastSync(),
	}
	b.mu.Unlock()

	if changed {
		metrics.IncScreenChange()
		appLog.Debug("screen changed", "room", room, "first", titleOf(sel.First), "now", now.Format(time.RFC3339))
		b.display.SetScreenData(sel.First, sel.Second, sel.Third)
	}
	return changed
}

// SwitchRoom points the board at another room, persists the choice and
// syncs the new room right away.
func (b *Board) SwitchRoom(ctx context.Context, room string) (bool, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return false, errors.New("board: room is empty")
	}

	b.opMu.Lock()
	if err := b.engine.SetRoom(room); err != nil {
		b.opMu.Unlock()
		return false, err
	}
	b.sel.Reset()
	b.mu.Lock()
	b.snapshot = Snapshot{Room: room, RoomName: RoomName(room), Online: b.online}
	b.mu.Unlock()
	b.opMu.Unlock()

	if b.roomFile != "" {
		if err := config.SaveRoom(b.roomFile, room); err != nil {
			appLog.Error("persist room failed", err, "room", room, "path", b.roomFile)
		}
	}

	// A refresh that started before the switch must not be joined.
	b.group.Forget(refreshKey)
	return b.Refresh(ctx), nil
}

// RecachePhotos empties the photo cache and downloads the photo of every
// known speaker again. It returns how many files were removed.
func (b *Board) RecachePhotos(ctx context.Context) (int, error) {
	if b.photos == nil {
		return 0, errors.New("board: photo cache disabled")
	}
	removed, err := b.photos.Purge()
	if err != nil {
		return removed, err
	}
	speakers := b.engine.Speakers()
	for _, s := range speakers {
		b.photos.EnsureCached(ctx, s.ID, s.PhotoURL)
	}
	appLog.Info("photo cache rebuilt", "removed", removed, "speakers", len(speakers))
	return removed, nil
}

// Start schedules data refreshes and screen ticks. The scheduler stops when
// ctx is done; the returned channel is closed once running jobs finished.
func (b *Board) Start(ctx context.Context) <-chan struct{} {
	c := cron.New(
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	c.Schedule(cron.Every(b.dataRefresh), cron.FuncJob(func() { b.Refresh(ctx) }))
	c.Schedule(cron.Every(b.screenRefresh), cron.FuncJob(func() { b.Tick() }))
	c.Start()

	appLog.Info("scheduler started",
		"room", b.engine.Room(),
		"data_refresh", b.dataRefresh.String(),
		"screen_refresh", b.screenRefresh.String(),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
		appLog.Info("scheduler stopped")
	}()
	return done
}

// Snapshot returns the last computed screen state.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// Online reports whether the last refresh reached the data service.
func (b *Board) Online() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online
}

// LastResult returns the report and error of the last refresh.
func (b *Board) LastResult() (engine.Report, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastReport, b.lastErr
}

// Engine returns the sync engine.
func (b *Board) Engine() *engine.Engine { return b.engine }

// Photos returns the photo cache, which may be nil.
func (b *Board) Photos() *photo.Cache { return b.photos }

// Clock returns the board's time source.
func (b *Board) Clock() clock.Clock { return b.clock }

// RoomName returns the display name of a room identifier: "room3" is
// "Room 3", "bof1" is "BOF 1" and "aud_room" is "Auditorium". Anything else
// is shown as is.
func RoomName(id string) string {
	switch {
	case id == "aud_room":
		return "Auditorium"
	case strings.HasPrefix(id, "room") && len(id) > len("room"):
		return "Room " + strings.ToUpper(id[len("room"):])
	case strings.HasPrefix(id, "bof") && len(id) > len("bof"):
		return "BOF " + strings.ToUpper(id[len("bof"):])
	default:
		return id
	}
}

func titleOf(p *model.Presentation) string {
	if p == nil {
		return ""
	}
	return p.Title
}

// cronLogger routes scheduler messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
