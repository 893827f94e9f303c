package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"signage/internal/fetch"
)

const (
	defaultListen        = "127.0.0.1:8080"
	defaultHost          = "http://cfp.devoxx.co.uk/api/conferences/DevoxxUK2016"
	defaultRoom          = "room1"
	defaultDataDir       = "/var/lib/signage"
	defaultUTCOffset     = "+01:00"
	defaultScreenRefresh = 60 * time.Second
	defaultDataRefresh   = 30 * time.Minute
	defaultFetchTimeout  = 15 * time.Second
	defaultLogLevel      = "info"
)

// RoomFile is the name of the file under DataDir that remembers the room
// selected at runtime.
const RoomFile = "current-room.txt"

// Operating modes.
const (
	ModeReal = "real"
	ModeTest = "test"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Host is the base URL of the conference data service. Roster and
	// schedules are fetched from {host}/speakers and
	// {host}/rooms/{room}/{day}.
	Host string `yaml:"host" json:"host"`

	// Room is the room identifier shown on this screen (e.g. "room3",
	// "bof1", "aud_room"). A room stored in RoomFile takes precedence.
	Room string `yaml:"room" json:"room"`

	// DataDir holds downloaded snapshots and the room file.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// ImageCache is the speaker photo cache directory. Defaults to
	// <data_dir>/speaker-images.
	ImageCache string `yaml:"image_cache" json:"image_cache"`

	// StartDate is the first conference day, YYYY-MM-DD. Required.
	StartDate string `yaml:"start_date" json:"start_date"`

	// UTCOffset is the venue's fixed offset ("+01:00") or an IANA zone
	// name. Slot times are converted to it.
	UTCOffset string `yaml:"utc_offset" json:"utc_offset"`

	// ScreenRefresh is how often the screen selection is recomputed.
	ScreenRefresh time.Duration `yaml:"screen_refresh" json:"screen_refresh"`

	// DataRefresh is how often the schedule is synced.
	DataRefresh time.Duration `yaml:"data_refresh" json:"data_refresh"`

	// FetchTimeout bounds each HTTP request.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// UserAgent is sent with every request to the data service.
	UserAgent string `yaml:"user_agent" json:"user_agent"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Mode selects the clock: "real" (default) or "test". In test mode
	// "now" is StartDate + TestDay at TestTime and only moves on request.
	Mode     string `yaml:"mode" json:"mode"`
	TestDay  int    `yaml:"test_day" json:"test_day"`
	TestTime string `yaml:"test_time" json:"test_time"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration. StartDate has
// no default and must be set by the operator.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Host:          defaultHost,
		Room:          defaultRoom,
		DataDir:       defaultDataDir,
		ImageCache:    filepath.Join(defaultDataDir, "speaker-images"),
		UTCOffset:     defaultUTCOffset,
		ScreenRefresh: defaultScreenRefresh,
		DataRefresh:   defaultDataRefresh,
		FetchTimeout:  defaultFetchTimeout,
		UserAgent:     fetch.BrowserUserAgent,
		LogLevel:      defaultLogLevel,
		Mode:          ModeReal,
		TestTime:      "09:00",
		BasicAuth:     nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Host == "" {
		c.Host = defaultHost
	}
	c.Host = strings.TrimRight(c.Host, "/")
	if c.Room == "" {
		c.Room = defaultRoom
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.ImageCache == "" {
		c.ImageCache = filepath.Join(c.DataDir, "speaker-images")
	}
	if c.UTCOffset == "" {
		c.UTCOffset = defaultUTCOffset
	}
	if c.ScreenRefresh <= 0 {
		c.ScreenRefresh = defaultScreenRefresh
	}
	if c.DataRefresh <= 0 {
		c.DataRefresh = defaultDataRefresh
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = fetch.BrowserUserAgent
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case ModeReal, ModeTest:
	default:
		// Unknown modes fall back to the wall clock.
		c.Mode = ModeReal
	}
	if c.TestDay < 0 {
		c.TestDay = 0
	}
	if c.TestTime == "" {
		c.TestTime = "09:00"
	}
}

// Validate reports configuration the application cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StartDate) == "" {
		return errors.New("config: start_date is required")
	}
	loc, err := c.Location()
	if err != nil {
		return err
	}
	if _, err := c.Start(loc); err != nil {
		return err
	}
	return nil
}

// Location returns the venue time zone described by UTCOffset.
func (c *Config) Location() (*time.Location, error) {
	return ParseLocation(c.UTCOffset)
}

// Start returns midnight of StartDate in loc.
func (c *Config) Start(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(c.StartDate), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("config: invalid start_date %q: %w", c.StartDate, err)
	}
	return t, nil
}

// RoomPath returns the path of the room file.
func (c *Config) RoomPath() string {
	return filepath.Join(c.DataDir, RoomFile)
}

// ParseLocation accepts a fixed offset such as "+01:00", "-0530" or "Z",
// or an IANA zone name such as "Europe/Brussels".
func ParseLocation(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "Z" || strings.EqualFold(s, "UTC") {
		return time.UTC, nil
	}
	if s[0] != '+' && s[0] != '-' {
		loc, err := time.LoadLocation(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid utc_offset %q: %w", s, err)
		}
		return loc, nil
	}

	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	hm := strings.ReplaceAll(s[1:], ":", "")
	if len(hm) != 2 && len(hm) != 4 {
		return nil, fmt.Errorf("config: invalid utc_offset %q", s)
	}
	h, err := strconv.Atoi(hm[:2])
	if err != nil || h > 14 {
		return nil, fmt.Errorf("config: invalid utc_offset %q", s)
	}
	m := 0
	if len(hm) == 4 {
		m, err = strconv.Atoi(hm[2:])
		if err != nil || m > 59 {
			return nil, fmt.Errorf("config: invalid utc_offset %q", s)
		}
	}
	secs := sign * (h*3600 + m*60)
	name := fmt.Sprintf("UTC%c%02d:%02d", s[0], h, m)
	return time.FixedZone(name, secs), nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// The defaults are still usable when the file cannot be written.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via renameio (temp file + fsync + rename).
//   - Final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return renameio.WriteFile(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// LoadRoom returns the room stored at path, or "" when none was stored.
func LoadRoom(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveRoom stores room at path so it survives a restart.
func SaveRoom(path, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return errors.New("config: room is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte(room+"\n"), 0o644)
}
