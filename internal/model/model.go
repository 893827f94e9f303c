package model

import (
	"strings"
	"time"
)

// Speaker is one entry of the conference roster. A Speaker is shared by
// pointer between every Presentation that credits it; it is never copied
// into a Presentation.
type Speaker struct {
	ID       string // stable roster identifier (uuid)
	FullName string

	// PhotoURL is the remote avatar location as published by the feed.
	// It may be empty or use backslashes.
	PhotoURL string

	Company string
	Bio     string
	Twitter string
}

func (s *Speaker) String() string {
	if s == nil {
		return ""
	}
	return s.FullName
}

// Presentation is a single scheduled talk in a room.
type Presentation struct {
	ID    string // remote session identifier
	Title string
	Room  string // room identifier as published in the slot

	// Start / End are in the venue's display zone.
	Start time.Time
	End   time.Time

	// Duration is carried for display layouts but is not populated by the
	// feed; it is always zero.
	Duration time.Duration

	Summary  string
	Speakers []*Speaker
	Track    string
	Type     string // talk type label, e.g. "Conference", "Hands-on Labs"
}

// SpeakerList renders the credited speakers as "by A, B". It returns an
// empty string when nobody is credited.
func (p *Presentation) SpeakerList() string {
	if p == nil || len(p.Speakers) == 0 {
		return ""
	}
	names := make([]string, 0, len(p.Speakers))
	for _, s := range p.Speakers {
		names = append(names, s.FullName)
	}
	return "by " + strings.Join(names, ", ")
}

// SameAs reports whether p and o denote the same session. Two nil
// presentations are the same.
func (p *Presentation) SameAs(o *Presentation) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.ID == o.ID
}
