// Package selector picks the presentations a room screen shows: the one
// running or next up, and the two after it.
package selector

import (
	"sync"
	"time"

	"signage/internal/model"
)

// MaxShown is the number of presentations a screen holds.
const MaxShown = 3

// Selection is what a screen shows. Unused slots are nil.
type Selection struct {
	First  *model.Presentation
	Second *model.Presentation
	Third  *model.Presentation
}

// Slice returns the non-nil presentations in order.
func (s Selection) Slice() []*model.Presentation {
	out := make([]*model.Presentation, 0, MaxShown)
	for _, p := range []*model.Presentation{s.First, s.Second, s.Third} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Upcoming returns up to n presentations of list, which must be sorted by
// start time, whose end lies strictly after now.
func Upcoming(now time.Time, list []*model.Presentation, n int) []*model.Presentation {
	if n <= 0 {
		return nil
	}
	out := make([]*model.Presentation, 0, n)
	for _, p := range list {
		if p == nil || !p.End.After(now) {
			continue
		}
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}

// At returns the selection at now without touching any remembered state.
func At(now time.Time, list []*model.Presentation) Selection {
	var sel Selection
	slots := []**model.Presentation{&sel.First, &sel.Second, &sel.Third}
	for i, p := range Upcoming(now, list, MaxShown) {
		*slots[i] = p
	}
	return sel
}

// Selector remembers the headline presentation between calls so callers
// only repaint when it actually advances. It is safe for concurrent use.
type Selector struct {
	mu      sync.Mutex
	current *model.Presentation
}

// Select computes the selection at now and reports whether First differs
// from the one returned by the previous call.
func (s *Selector) Select(now time.Time, list []*model.Presentation) (Selection, bool) {
	sel := At(now, list)

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !s.current.SameAs(sel.First)
	s.current = sel.First
	return sel, changed
}

// Reset forgets the remembered headline, so the next Select reports a
// change whenever it finds anything to show.
func (s *Selector) Reset() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Current returns the remembered headline presentation.
func (s *Selector) Current() *model.Presentation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
