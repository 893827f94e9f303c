// Package engine runs sync cycles against the conference data service and
// publishes the resulting room schedule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"signage/internal/calendar"
	"signage/internal/fetch"
	appLog "signage/internal/log"
	"signage/internal/metrics"
	"signage/internal/model"
	"signage/internal/photo"
	"signage/internal/schedule"
)

var (
	// ErrRosterUnavailable means the speaker roster could neither be
	// downloaded nor read from an earlier snapshot, or could not be parsed.
	ErrRosterUnavailable = errors.New("engine: roster unavailable")

	// ErrNoPresentations means every day contributed nothing.
	ErrNoPresentations = errors.New("engine: no presentations")
)

// Snapshot file names inside the fetcher directory.
const (
	RosterFile  = "speakers.json"
	SpeakerFile = "speaker.json"
)

// DayFile returns the snapshot name of a room's day schedule. The room is
// part of the name so a stale fallback never reads another room's data.
func DayFile(room, day string) string {
	return "schedule-" + url.PathEscape(room) + "-" + day + ".json"
}

// Options configures an Engine.
type Options struct {
	Host     string // data service base URL
	Room     string
	Fetcher  *fetch.Fetcher
	Photos   *photo.Cache   // nil disables photo caching
	Location *time.Location // display zone of slot times
	Days     []string       // defaults to calendar.DayNames
}

// Report describes one sync cycle.
type Report struct {
	Room          string
	Presentations int
	Speakers      int

	// RosterStale is set when the roster came from the previous snapshot
	// because the download failed.
	RosterStale bool

	StaleDays  []string // read from an earlier snapshot
	FailedDays []string // contributed nothing
	Duration   time.Duration
}

// Engine owns the schedule of one room. Sync and SetRoom are serialized;
// readers may call the accessors at any time.
type Engine struct {
	host    string
	fetcher *fetch.Fetcher
	photos  *photo.Cache
	loc     *time.Location
	days    []string

	syncMu sync.Mutex

	mu       sync.RWMutex
	room     string
	catalog  *schedule.Catalog
	sorted   []*model.Presentation
	lastSync time.Time
}

// New returns an Engine. A nil Fetcher writes snapshots to ./var.
func New(opts Options) *Engine {
	e := &Engine{
		host:    strings.TrimRight(opts.Host, "/"),
		fetcher: opts.Fetcher,
		photos:  opts.Photos,
		loc:     opts.Location,
		days:    opts.Days,
		room:    opts.Room,
	}
	if e.fetcher == nil {
		e.fetcher = fetch.New("", 0)
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if len(e.days) == 0 {
		e.days = calendar.DayNames
	}
	return e
}

// Room returns the room the engine syncs.
func (e *Engine) Room() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.room
}

// SetRoom switches to room. It waits for a running sync, removes the day
// snapshots of the previous room and then drops the published schedule.
// When the snapshots cannot be removed the engine stays on its room.
func (e *Engine) SetRoom(room string) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	prev := e.Room()
	names := make([]string, 0, len(e.days)+1)
	for _, day := range e.days {
		names = append(names, DayFile(prev, day))
	}
	names = append(names, SpeakerFile)
	if err := e.fetcher.Remove(names...); err != nil {
		return fmt.Errorf("engine: clear snapshots of %s: %w", prev, err)
	}

	e.mu.Lock()
	e.room = room
	e.catalog = nil
	e.sorted = nil
	e.lastSync = time.Time{}
	e.mu.Unlock()

	appLog.Info("room switched", "from", prev, "to", room)
	return nil
}

// Presentations returns the published schedule sorted by start time.
func (e *Engine) Presentations() []*model.Presentation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.Presentation, len(e.sorted))
	copy(out, e.sorted)
	return out
}

// Speaker returns a speaker of the published schedule, or nil.
func (e *Engine) Speaker(id string) *model.Speaker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.catalog == nil {
		return nil
	}
	return e.catalog.Speaker(id)
}

// Speakers returns every speaker known to the published schedule.
func (e *Engine) Speakers() []*model.Speaker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.catalog == nil {
		return nil
	}
	return e.catalog.Speakers()
}

// LastSync returns when a sync last succeeded, or the zero time.
func (e *Engine) LastSync() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// Sync downloads the roster and every day schedule of the current room
// and publishes the result. The roster is required: without it the cycle
// fails with ErrRosterUnavailable. A day that fails is skipped. A cycle
// that ends without presentations fails with ErrNoPresentations. On
// failure the previously published schedule stays in place.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	start := time.Now()
	room := e.Room()
	rep := Report{Room: room}

	appLog.Info("sync start", "room", room, "host", appLog.RedactURL(e.host))

	cat := schedule.NewCatalog(func(s *model.Speaker) {
		if e.photos != nil {
			e.photos.EnsureCached(ctx, s.ID, s.PhotoURL)
		}
	})

	stale, err := e.loadRoster(ctx, cat)
	if err != nil {
		rep.Duration = time.Since(start)
		metrics.ObserveSync("roster", rep.Duration)
		appLog.Error("sync failed", err, "room", room)
		return rep, err
	}
	rep.RosterStale = stale

	resolver := schedule.ResolverFunc(e.resolveSpeaker)
	for _, day := range e.days {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			metrics.ObserveSync("canceled", rep.Duration)
			return rep, fmt.Errorf("engine: sync: %w", err)
		}

		n, stale, err := e.loadDay(ctx, cat, room, day, resolver)
		if stale {
			rep.StaleDays = append(rep.StaleDays, day)
		}
		if err != nil {
			rep.FailedDays = append(rep.FailedDays, day)
			metrics.IncDayFailure(day)
			appLog.Error("day skipped", err, "room", room, "day", day)
			continue
		}
		appLog.Debug("day loaded", "room", room, "day", day, "talks", n)
	}

	rep.Duration = time.Since(start)
	if cat.Len() == 0 {
		metrics.ObserveSync("empty", rep.Duration)
		appLog.Warn("sync produced no presentations", "room", room, "failed_days", rep.FailedDays)
		return rep, ErrNoPresentations
	}

	sorted := cat.Sorted()
	speakers := cat.Speakers()
	rep.Presentations = len(sorted)
	rep.Speakers = len(speakers)

	e.mu.Lock()
	e.catalog = cat
	e.sorted = sorted
	e.lastSync = time.Now()
	e.mu.Unlock()

	metrics.ObserveSync("success", rep.Duration)
	metrics.SetCatalogSize(rep.Presentations, rep.Speakers)
	appLog.Info("sync done",
		"room", room,
		"presentations", rep.Presentations,
		"speakers", rep.Speakers,
		"roster_stale", rep.RosterStale,
		"failed_days", rep.FailedDays,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep, nil
}

func (e *Engine) loadRoster(ctx context.Context, cat *schedule.Catalog) (bool, error) {
	stale, err := e.refresh(ctx, e.host+"/speakers", RosterFile)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRosterUnavailable, err)
	}
	recs, err := decodeFile(e.fetcher, RosterFile, schedule.DecodeRoster)
	if err != nil {
		return stale, fmt.Errorf("%w: %w", ErrRosterUnavailable, err)
	}
	added := cat.AddRoster(recs)
	appLog.Debug("roster loaded", "speakers", added, "stale", stale)
	return stale, nil
}

func (e *Engine) loadDay(ctx context.Context, cat *schedule.Catalog, room, day string, r schedule.Resolver) (int, bool, error) {
	name := DayFile(room, day)
	stale, err := e.refresh(ctx, e.host+"/rooms/"+url.PathEscape(room)+"/"+day, name)
	if err != nil {
		return 0, false, err
	}
	talks, err := decodeFile(e.fetcher, name, func(rd io.Reader) ([]schedule.TalkRecord, error) {
		return schedule.DecodeDay(rd, e.loc)
	})
	if err != nil {
		return 0, stale, err
	}
	return cat.AddTalks(ctx, talks, r), stale, nil
}

// refresh downloads src into name. When the download fails but an earlier
// snapshot exists, it reports stale and no error.
func (e *Engine) refresh(ctx context.Context, src, name string) (bool, error) {
	err := e.fetcher.Fetch(ctx, src, name)
	if err == nil {
		return false, nil
	}
	if !e.fetcher.Stale(name) {
		return false, err
	}
	appLog.Warn("download failed, using last snapshot", "name", name, "err", err.Error())
	return true, nil
}

// resolveSpeaker fetches the detail document of a speaker the roster does
// not list. A failed lookup returns nil; stale detail snapshots are never
// used because speaker.json is shared by all lookups.
func (e *Engine) resolveSpeaker(ctx context.Context, id, link string) *model.Speaker {
	src, err := e.resolveLink(link)
	if err != nil {
		appLog.Warn("bad speaker link", "speaker_id", id, "err", err.Error())
		return nil
	}
	if err := e.fetcher.Fetch(ctx, src, SpeakerFile); err != nil {
		appLog.Warn("speaker lookup failed", "speaker_id", id, "err", err.Error())
		return nil
	}
	rec, err := decodeFile(e.fetcher, SpeakerFile, schedule.DecodeSpeaker)
	if err != nil {
		appLog.Warn("speaker detail unreadable", "speaker_id", id, "err", err.Error())
		return nil
	}
	appLog.Info("resolved speaker missing from roster", "speaker_id", rec.ID, "name", rec.FullName())
	return rec.Speaker()
}

// resolveLink makes a relative speaker link absolute against the host.
func (e *Engine) resolveLink(link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return link, nil
	}
	base, err := url.Parse(e.host + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func decodeFile[T any](f *fetch.Fetcher, name string, decode func(io.Reader) (T, error)) (T, error) {
	var zero T
	file, err := f.Open(name)
	if err != nil {
		return zero, fmt.Errorf("engine: open %s: %w", name, err)
	}
	defer file.Close()

	v, err := decode(file)
	if err != nil {
		return zero, fmt.Errorf("engine: parse %s: %w", name, err)
	}
	return v, nil
}
