package schedule

import (
	"cmp"
	"context"
	"slices"

	appLog "signage/internal/log"
	"signage/internal/model"
)

// Resolver looks up a speaker that a talk credits but the roster does not
// list. It returns nil when the speaker cannot be found; the reference is
// then dropped.
type Resolver interface {
	ResolveSpeaker(ctx context.Context, id, link string) *model.Speaker
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, id, link string) *model.Speaker

func (f ResolverFunc) ResolveSpeaker(ctx context.Context, id, link string) *model.Speaker {
	return f(ctx, id, link)
}

// Catalog owns the speaker and presentation maps of one sync cycle. It is
// not safe for concurrent use.
type Catalog struct {
	speakers      map[string]*model.Speaker
	presentations map[string]*model.Presentation

	// unresolved remembers failed lookups so a speaker credited on many
	// talks is only looked up once per cycle.
	unresolved map[string]struct{}

	onNewSpeaker func(*model.Speaker)
}

// NewCatalog returns an empty Catalog. onNewSpeaker, if non-nil, is called
// once for every speaker the catalog did not know yet; the sync engine uses
// it to cache photos.
func NewCatalog(onNewSpeaker func(*model.Speaker)) *Catalog {
	c := &Catalog{onNewSpeaker: onNewSpeaker}
	c.Reset()
	return c
}

// Reset drops every speaker and presentation.
func (c *Catalog) Reset() {
	c.speakers = make(map[string]*model.Speaker)
	c.presentations = make(map[string]*model.Presentation)
	c.unresolved = make(map[string]struct{})
}

// AddSpeaker inserts s unless a speaker with the same id is already known,
// in which case the existing handle is returned. The first instance wins.
func (c *Catalog) AddSpeaker(s *model.Speaker) (*model.Speaker, bool) {
	if s == nil || s.ID == "" {
		return nil, false
	}
	if existing, ok := c.speakers[s.ID]; ok {
		return existing, false
	}
	c.speakers[s.ID] = s
	delete(c.unresolved, s.ID)
	if c.onNewSpeaker != nil {
		c.onNewSpeaker(s)
	}
	return s, true
}

// AddRoster inserts every roster record and returns how many were new.
func (c *Catalog) AddRoster(records []SpeakerRecord) int {
	added := 0
	for _, rec := range records {
		if _, isNew := c.AddSpeaker(rec.Speaker()); isNew {
			added++
		} else {
			appLog.Debug("roster: duplicate speaker ignored", "speaker_id", rec.ID)
		}
	}
	return added
}

// AddTalks turns talk records into presentations. Records without a title
// are discarded. A presentation id seen before is overwritten. Speakers
// missing from the roster are looked up through r, which may be nil.
func (c *Catalog) AddTalks(ctx context.Context, talks []TalkRecord, r Resolver) int {
	added := 0
	for _, t := range talks {
		if t.Title == "" {
			appLog.Debug("schedule: talk without title discarded", "talk_id", t.ID)
			continue
		}

		p := &model.Presentation{
			ID:       t.ID,
			Title:    t.Title,
			Room:     t.Room,
			Start:    t.Start,
			End:      t.End,
			Summary:  t.Summary,
			Track:    t.Track,
			Type:     t.Type,
			Speakers: make([]*model.Speaker, 0, len(t.SpeakerLinks)),
		}
		for _, link := range t.SpeakerLinks {
			if s := c.resolve(ctx, link, r); s != nil {
				p.Speakers = append(p.Speakers, s)
			}
		}

		c.presentations[p.ID] = p
		added++
	}
	return added
}

func (c *Catalog) resolve(ctx context.Context, link string, r Resolver) *model.Speaker {
	id := SpeakerIDFromLink(link)
	if id == "" {
		return nil
	}
	if s, ok := c.speakers[id]; ok {
		return s
	}
	if _, failed := c.unresolved[id]; failed || r == nil {
		return nil
	}

	s := r.ResolveSpeaker(ctx, id, link)
	if s == nil {
		appLog.Info("schedule: speaker not found, dropping reference", "speaker_id", id)
		c.unresolved[id] = struct{}{}
		return nil
	}
	if s.ID == "" {
		s.ID = id
	}
	s, _ = c.AddSpeaker(s)
	if s.ID != id {
		// Detail document reports a different id than the link; make the
		// link id resolve to the same handle for later talks.
		c.speakers[id] = s
	}
	return s
}

// Speaker returns the speaker with id, or nil.
func (c *Catalog) Speaker(id string) *model.Speaker {
	return c.speakers[id]
}

// Speakers returns all known speakers ordered by id.
func (c *Catalog) Speakers() []*model.Speaker {
	out := make([]*model.Speaker, 0, len(c.speakers))
	seen := make(map[*model.Speaker]bool, len(c.speakers))
	for _, s := range c.speakers {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *model.Speaker) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Presentation returns the presentation with id, or nil.
func (c *Catalog) Presentation(id string) *model.Presentation {
	return c.presentations[id]
}

// Len returns the number of presentations.
func (c *Catalog) Len() int { return len(c.presentations) }

// Sorted returns the presentations ordered by start time. Equal start times
// are ordered by session id so the result does not depend on map order.
func (c *Catalog) Sorted() []*model.Presentation {
	out := make([]*model.Presentation, 0, len(c.presentations))
	for _, p := range c.presentations {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *model.Presentation) int {
		if n := a.Start.Compare(b.Start); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
