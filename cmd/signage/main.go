package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"signage/internal/board"
	"signage/internal/calendar"
	"signage/internal/clock"
	"signage/internal/config"
	"signage/internal/engine"
	"signage/internal/fetch"
	appLog "signage/internal/log"
	"signage/internal/model"
	"signage/internal/photo"
	"signage/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values; non-empty values override the config file.
type flagConfig struct {
	configPath string
	listen     string
	room       string
	logLevel   string
	once       bool
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	appLog.Info("signage starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	applyOverrides(conf, flags)
	appLog.SetLevel(conf.LogLevel)

	// The conference start date is the one setting we cannot guess.
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(3)
	}

	if err := run(conf, flags); err != nil {
		appLog.Error("signage stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("signage exiting")
}

func parseFlags(args []string) (flagConfig, error) {
	var cfg flagConfig

	fs := pflag.NewFlagSet("signage", pflag.ContinueOnError)
	fs.StringVarP(&cfg.configPath, "config", "c", "/etc/signage/config.yaml", "Path to config file")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	fs.StringVar(&cfg.room, "room", "", "Room identifier, e.g. room3 or bof1 (overrides config and saved room)")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.once, "once", false, "Run one sync cycle, print the selection and exit")

	err := fs.Parse(args)
	return cfg, err
}

// applyOverrides resolves the room (flag, then saved room, then config) and
// applies the other flag overrides.
func applyOverrides(conf *config.Config, flags flagConfig) {
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	switch {
	case flags.room != "":
		conf.Room = flags.room
	default:
		saved, err := config.LoadRoom(conf.RoomPath())
		if err != nil {
			appLog.Warn("unable to read saved room", "path", conf.RoomPath(), "err", err.Error())
		} else if saved != "" {
			conf.Room = saved
		}
	}
}

func run(conf *config.Config, flags flagConfig) error {
	loc, err := conf.Location()
	if err != nil {
		return err
	}
	start, err := conf.Start(loc)
	if err != nil {
		return err
	}
	days, err := calendar.ConferenceDays(start, len(calendar.DayNames))
	if err != nil {
		return err
	}
	if !days[0].Equal(start) {
		appLog.Warn("start_date is not a weekday", "start_date", conf.StartDate, "first_day", days[0].Format(time.DateOnly))
	}

	clk, err := newClock(conf, start, loc)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: conf.FetchTimeout}
	fetcher := newFetcher(conf, client)
	photos := photo.NewCache(conf.ImageCache, client)
	eng := engine.New(engine.Options{
		Host:     conf.Host,
		Room:     conf.Room,
		Fetcher:  fetcher,
		Photos:   photos,
		Location: loc,
		Days:     scheduleDays(days),
	})
	b := board.New(board.Options{
		Engine:        eng,
		Photos:        photos,
		Clock:         clk,
		Display:       logDisplay{},
		RoomFile:      conf.RoomPath(),
		ScreenRefresh: conf.ScreenRefresh,
		DataRefresh:   conf.DataRefresh,
	})

	appLog.Info("effective config",
		"listen", conf.Listen,
		"host", appLog.RedactURL(conf.Host),
		"room", conf.Room,
		"room_name", board.RoomName(conf.Room),
		"data_dir", fetcher.Dir(),
		"image_cache", photos.Dir(),
		"start_date", conf.StartDate,
		"last_day", days[len(days)-1].Format(time.DateOnly),
		"days", strings.Join(scheduleDays(days), ","),
		"utc_offset", conf.UTCOffset,
		"screen_refresh", conf.ScreenRefresh.String(),
		"data_refresh", conf.DataRefresh.String(),
		"mode", conf.Mode,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ok := b.Refresh(ctx)
	if flags.once {
		return printOnce(b, ok)
	}

	done := b.Start(ctx)
	srv := web.NewServer(conf, b, clk)
	if err := srv.ListenAndServe(ctx); err != nil {
		cancel()
		<-done
		return err
	}
	<-done
	return nil
}

func newFetcher(conf *config.Config, client *http.Client) *fetch.Fetcher {
	return fetch.New(conf.DataDir, conf.FetchTimeout,
		fetch.WithClient(client),
		fetch.WithUserAgent(conf.UserAgent),
	)
}

// scheduleDays names the conference days in the order they happen. A
// conference starting midweek fetches its later weekdays first.
func scheduleDays(days []time.Time) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		if name := calendar.DayName(d); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func newClock(conf *config.Config, start time.Time, loc *time.Location) (*clock.Switchable, error) {
	tod, err := clock.ParseTimeOfDay(conf.TestTime)
	if err != nil {
		return nil, err
	}
	test := clock.NewTestClock(start, conf.TestDay, tod)
	return clock.NewSwitchable(clock.Real(loc), test, clock.Mode(conf.Mode)), nil
}

func printOnce(b *board.Board, ok bool) error {
	rep, syncErr := b.LastResult()
	snap := b.Snapshot()
	fmt.Printf("%s (%s) online=%t presentations=%d\n", snap.RoomName, snap.Room, snap.Online, rep.Presentations)
	for i, p := range snap.Selection.Slice() {
		fmt.Printf("%d. %s-%s %s %s\n", i+1, p.Start.Format("Mon 15:04"), p.End.Format("15:04"), p.Title, p.SpeakerList())
	}
	if !ok {
		return syncErr
	}
	return nil
}

// logDisplay stands in for a screen renderer and writes what would be
// shown to the log.
type logDisplay struct{}

func (logDisplay) SetScreenData(first, second, third *model.Presentation) {
	for i, p := range []*model.Presentation{first, second, third} {
		if p == nil {
			continue
		}
		appLog.Info("screen",
			"slot", i+1,
			"id", p.ID,
			"title", p.Title,
			"start", p.Start.Format(time.RFC3339),
			"speakers", p.SpeakerList(),
		)
	}
	if first == nil {
		appLog.Info("screen", "slot", 0, "title", "no more presentations today")
	}
}

func (logDisplay) SetOnline(online bool) {
	appLog.Info("screen status", "online", online)
}
