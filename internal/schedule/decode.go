// Package schedule turns the CFP JSON documents (speaker roster, per-day room
// schedule, single speaker detail) into normalized records, and owns the
// speaker and presentation maps built from them during a sync cycle.
package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"signage/internal/model"
)

// SpeakerRecord is one roster entry as published by the data service.
type SpeakerRecord struct {
	ID        string
	FirstName string
	LastName  string
	PhotoURL  string
	Company   string
	Bio       string
	Twitter   string
}

// FullName joins first and last name.
func (r SpeakerRecord) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
}

// Speaker builds the shared model handle for r.
func (r SpeakerRecord) Speaker() *model.Speaker {
	return &model.Speaker{
		ID:       r.ID,
		FullName: r.FullName(),
		PhotoURL: r.PhotoURL,
		Company:  r.Company,
		Bio:      r.Bio,
		Twitter:  r.Twitter,
	}
}

// TalkRecord is one talk-bearing slot of a day schedule.
type TalkRecord struct {
	ID      string
	Title   string
	Summary string
	Track   string
	Type    string

	Room     string
	RoomName string
	Day      string
	Start    time.Time
	End      time.Time

	// SpeakerLinks are the detail document URLs of the credited speakers,
	// in published order. The trailing path segment is the speaker id.
	SpeakerLinks []string
}

type rawSpeaker struct {
	UUID      string `json:"uuid"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatarURL"`
	Company   string `json:"company"`
	Bio       string `json:"bio"`
	Twitter   string `json:"twitter"`
}

func (s rawSpeaker) record() SpeakerRecord {
	return SpeakerRecord{
		ID:        strings.TrimSpace(s.UUID),
		FirstName: s.FirstName,
		LastName:  s.LastName,
		PhotoURL:  s.AvatarURL,
		Company:   s.Company,
		Bio:       s.Bio,
		Twitter:   s.Twitter,
	}
}

type rawDay struct {
	Slots *[]*rawSlot `json:"slots"`
}

type rawSlot struct {
	RoomID   string      `json:"roomId"`
	RoomName string      `json:"roomName"`
	Day      string      `json:"day"`
	From     epochMillis `json:"fromTimeMillis"`
	To       epochMillis `json:"toTimeMillis"`
	Talk     *rawTalk    `json:"talk"`
}

type rawTalk struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Summary  string          `json:"summary"`
	Track    string          `json:"track"`
	TalkType string          `json:"talkType"`
	Speakers []rawSpeakerRef `json:"speakers"`
}

type rawSpeakerRef struct {
	Link struct {
		Href string `json:"href"`
	} `json:"link"`
	Name string `json:"name"`
}

// epochMillis accepts milliseconds since the epoch either as a JSON number
// or as a string holding one; the feed has published both.
type epochMillis struct {
	ms  int64
	set bool
}

func (m *epochMillis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch millis %q", s)
	}
	m.ms, m.set = n, true
	return nil
}

func (m epochMillis) in(loc *time.Location) time.Time {
	return time.UnixMilli(m.ms).In(loc)
}

// DecodeRoster parses the roster document: a JSON array of speaker objects.
// Entries without an identifier cannot be referenced and are dropped.
func DecodeRoster(r io.Reader) ([]SpeakerRecord, error) {
	var raw []rawSpeaker
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("schedule: decode roster: %w", err)
	}
	out := make([]SpeakerRecord, 0, len(raw))
	for _, s := range raw {
		rec := s.record()
		if rec.ID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DecodeSpeaker parses a single speaker detail document, which has the shape
// of one roster entry.
func DecodeSpeaker(r io.Reader) (SpeakerRecord, error) {
	var raw rawSpeaker
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return SpeakerRecord{}, fmt.Errorf("schedule: decode speaker: %w", err)
	}
	rec := raw.record()
	if rec.ID == "" {
		return SpeakerRecord{}, errors.New("schedule: decode speaker: missing uuid")
	}
	return rec, nil
}

// DecodeDay parses one day of a room schedule. Slots that are null or carry
// no talk (breaks, lunch) are skipped. Times are converted into loc.
//
// A talk without an id, or a slot with missing or malformed times, makes the
// whole document invalid.
func DecodeDay(r io.Reader, loc *time.Location) ([]TalkRecord, error) {
	if loc == nil {
		loc = time.Local
	}

	var raw rawDay
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("schedule: decode day: %w", err)
	}
	if raw.Slots == nil {
		return nil, errors.New("schedule: decode day: missing slots")
	}

	out := make([]TalkRecord, 0, len(*raw.Slots))
	for i, slot := range *raw.Slots {
		if slot == nil || slot.Talk == nil {
			continue
		}
		talk := slot.Talk
		if strings.TrimSpace(talk.ID) == "" {
			return nil, fmt.Errorf("schedule: decode day: slot %d: talk without id", i)
		}
		if !slot.From.set || !slot.To.set {
			return nil, fmt.Errorf("schedule: decode day: slot %d: missing times", i)
		}

		rec := TalkRecord{
			ID:       talk.ID,
			Title:    strings.TrimSpace(talk.Title),
			Summary:  talk.Summary,
			Track:    talk.Track,
			Type:     talk.TalkType,
			Room:     slot.RoomID,
			RoomName: slot.RoomName,
			Day:      slot.Day,
			Start:    slot.From.in(loc),
			End:      slot.To.in(loc),
		}
		for _, sp := range talk.Speakers {
			if href := strings.TrimSpace(sp.Link.Href); href != "" {
				rec.SpeakerLinks = append(rec.SpeakerLinks, href)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// SpeakerIDFromLink returns the trailing path segment of a speaker link.
func SpeakerIDFromLink(href string) string {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	href = strings.TrimRight(href, "/")
	return href[strings.LastIndex(href, "/")+1:]
}
