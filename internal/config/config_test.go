package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signage/internal/fetch"
)

func TestLoadCreatesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, ModeReal, cfg.Mode)
	assert.Equal(t, 60*time.Second, cfg.ScreenRefresh)
	assert.Equal(t, fetch.BrowserUserAgent, cfg.UserAgent)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: http://cfp.example/api/conferences/X/
room: bof2
data_dir: /tmp/signage
start_date: 2025-10-06
data_refresh: 10m
mode: TEST
test_day: 2
test_time: "13:30"
user_agent: signage/2.0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://cfp.example/api/conferences/X", cfg.Host)
	assert.Equal(t, "bof2", cfg.Room)
	assert.Equal(t, "/tmp/signage/speaker-images", cfg.ImageCache)
	assert.Equal(t, 10*time.Minute, cfg.DataRefresh)
	assert.Equal(t, defaultScreenRefresh, cfg.ScreenRefresh)
	assert.Equal(t, defaultFetchTimeout, cfg.FetchTimeout)
	assert.Equal(t, ModeTest, cfg.Mode)
	assert.Equal(t, 2, cfg.TestDay)
	assert.Equal(t, "13:30", cfg.TestTime)
	assert.Equal(t, "signage/2.0", cfg.UserAgent)
	assert.Equal(t, "/tmp/signage/current-room.txt", cfg.RoomPath())
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.StartDate = "2025-10-06"
	cfg.BasicAuth = &BasicAuthConfig{Username: "ops", Password: "secret"}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "start date is mandatory")

	cfg.StartDate = "06/10/2025"
	assert.Error(t, cfg.Validate())

	cfg.StartDate = "2025-10-06"
	assert.NoError(t, cfg.Validate())

	cfg.UTCOffset = "+99:00"
	assert.Error(t, cfg.Validate())
}

func TestStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartDate = "2025-10-06"
	loc, err := cfg.Location()
	require.NoError(t, err)

	start, err := cfg.Start(loc)
	require.NoError(t, err)
	assert.Equal(t, "2025-10-06T00:00:00+01:00", start.Format(time.RFC3339))
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		offset  int
		wantErr bool
	}{
		{in: "+01:00", offset: 3600},
		{in: "+0100", offset: 3600},
		{in: "+01", offset: 3600},
		{in: "-05:30", offset: -(5*3600 + 30*60)},
		{in: "Z", offset: 0},
		{in: "", offset: 0},
		{in: "UTC", offset: 0},
		{in: "+1", wantErr: true},
		{in: "+01:75", wantErr: true},
		{in: "+15:00", wantErr: true},
		{in: "Not/AZone", wantErr: true},
	}

	ref := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			loc, err := ParseLocation(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, off := ref.In(loc).Zone()
			assert.Equal(t, tt.offset, off)
		})
	}
}

func TestRoomFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", RoomFile)

	room, err := LoadRoom(path)
	require.NoError(t, err)
	assert.Empty(t, room)

	require.NoError(t, SaveRoom(path, " room3 "))
	room, err = LoadRoom(path)
	require.NoError(t, err)
	assert.Equal(t, "room3", room)

	require.NoError(t, SaveRoom(path, "aud_room"))
	room, err = LoadRoom(path)
	require.NoError(t, err)
	assert.Equal(t, "aud_room", room)

	assert.Error(t, SaveRoom(path, "  "))
}
