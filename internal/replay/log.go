// Package replay records the page level history of a feed window so the
// window can be rebuilt after a restart by running the same integration
// operations again.
package replay

import (
	"fmt"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/window"
)

// Entry is one recorded page.
type Entry struct {
	Page domain.Page `cbor:"page"`

	// Discontinuous is the gap flag the page was integrated with.
	Discontinuous bool `cbor:"disc,omitempty"`
}

// Group is a run of pages: the appended pages for the first group, one
// prepended page plus the gap fills chained onto it for every later group.
type Group struct {
	Pages []Entry `cbor:"pages"`

	// GapOpen is set while the gap behind the group's last page is open.
	GapOpen bool `cbor:"gapOpen,omitempty"`

	// HeadTrim is the number of rows, gap placeholders included, removed
	// from the head of the window once the group has been replayed.
	HeadTrim int `cbor:"headTrim,omitempty"`
}

// Target is what a log replays into.
type Target interface {
	Clear()
	SetOrAppend(page domain.Page) int
	Prepend(page domain.Page, gapIfDiscontinuous bool) int
	GapFill(page domain.Page, gapID int) (int, error)
	RemoveHead(n int) window.Trim
	RowCount() int
}

var _ Target = (*window.Window)(nil)

// Log is the replay log of one feed window. It is not safe for concurrent
// use.
type Log struct {
	groups []*Group
	seq    uint64
	dirty  bool
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Seq is incremented on every mutation.
func (l *Log) Seq() uint64 {
	return l.seq
}

// Dirty reports whether the log changed since the last MarkClean.
func (l *Log) Dirty() bool {
	return l.dirty
}

// Resume continues the sequence of a log loaded from storage so that later
// saves supersede the stored one.
func (l *Log) Resume(seq uint64) {
	if seq > l.seq {
		l.seq = seq
	}
}

func (l *Log) MarkClean() {
	l.dirty = false
}

func (l *Log) MarkDirty() {
	l.dirty = true
}

func (l *Log) touch() {
	l.seq++
	l.dirty = true
}

// Groups returns a copy of the recorded groups.
func (l *Log) Groups() []Group {
	out := make([]Group, len(l.groups))
	for i, g := range l.groups {
		out[i] = *g
		out[i].Pages = append([]Entry(nil), g.Pages...)
	}
	return out
}

// PageCount returns the number of recorded pages.
func (l *Log) PageCount() int {
	n := 0
	for _, g := range l.groups {
		n += len(g.Pages)
	}
	return n
}

// Clear drops the whole history.
func (l *Log) Clear() {
	l.groups = nil
	l.touch()
}

// RecordAppend records a page added after the last row.
func (l *Log) RecordAppend(page domain.Page) {
	if len(l.groups) == 0 {
		l.groups = append(l.groups, &Group{})
	}
	g := l.groups[0]
	g.Pages = append(g.Pages, Entry{Page: page})
	l.touch()
}

// RecordPrepend records a page inserted before the first row. gapOpen tells
// whether the integration left a gap behind the page.
func (l *Log) RecordPrepend(page domain.Page, discontinuous, gapOpen bool) {
	if page.Empty() {
		return
	}
	l.groups = append(l.groups, &Group{
		Pages:   []Entry{{Page: page, Discontinuous: discontinuous}},
		GapOpen: gapOpen,
	})
	l.touch()
}

// RecordGapFill records a page that filled the gap identified by
// gapCursor. Reports false when no group has that gap open.
func (l *Log) RecordGapFill(page domain.Page, gapCursor string, gapOpen bool) bool {
	g := l.findGap(gapCursor)
	if g == nil {
		return false
	}
	g.Pages = append(g.Pages, Entry{Page: page, Discontinuous: true})
	g.GapOpen = gapOpen
	l.touch()
	return true
}

// RecordCloseGap records a forced gap closure as an empty page.
func (l *Log) RecordCloseGap(gapCursor string) bool {
	return l.RecordGapFill(domain.Page{}, gapCursor, false)
}

func (l *Log) findGap(cursor string) *Group {
	if cursor == "" {
		return nil
	}
	for i := len(l.groups) - 1; i > 0; i-- {
		g := l.groups[i]
		if !g.GapOpen || len(g.Pages) == 0 {
			continue
		}
		if g.Pages[len(g.Pages)-1].Page.NextCursor == cursor {
			return g
		}
	}
	return nil
}

func (l *Log) locate(cursor string) (int, int, bool) {
	if cursor == "" {
		return 0, 0, false
	}
	for i, g := range l.groups {
		for j, e := range g.Pages {
			if e.Page.NextCursor == cursor {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// RemoveTail drops everything recorded after the page whose next cursor is
// cursor. Reports false when no page carries the cursor.
func (l *Log) RemoveTail(cursor string) bool {
	i, j, ok := l.locate(cursor)
	if !ok {
		return false
	}
	g := l.groups[i]
	g.Pages = g.Pages[:j+1]
	g.GapOpen = false
	l.groups = l.groups[i:]
	l.touch()
	return true
}

// RemoveHead records that removed rows were trimmed from the head of live.
// Pages none of whose rows or cursors survive are then dropped, as long as
// the smaller log rebuilds exactly the same window. scratch is cleared on
// return. Reports false when the log no longer rebuilds live.
func (l *Log) RemoveHead(removed int, live, scratch *window.Window) bool {
	if removed <= 0 || len(l.groups) == 0 {
		return false
	}
	l.groups[len(l.groups)-1].HeadTrim += removed
	l.touch()
	defer scratch.Clear()

	if err := l.Replay(scratch); err != nil {
		return false
	}
	full := capture(scratch)
	ok := full.sameTimeline(capture(live))

	s := survivorsOf(live)
	groups := s.prune(l.groups)
	if err := replay(scratch, groups, s.trimDead(scratch)); err == nil && full.equal(capture(scratch)) {
		l.groups = groups
	}
	return ok
}

// Replay rebuilds t from scratch by running the recorded operations in
// their original order.
func (l *Log) Replay(t Target) error {
	return replay(t, l.groups, func(g *Group) int { return g.HeadTrim })
}

// replay runs groups into t. headTrim says how many rows to remove from the
// head after each group.
func replay(t Target, groups []*Group, headTrim func(*Group) int) error {
	t.Clear()

	for gi, g := range groups {
		if len(g.Pages) == 0 {
			return &domain.CorruptReplayError{Reason: fmt.Sprintf("group %d has no pages", gi)}
		}

		if gi == 0 {
			for _, e := range g.Pages {
				t.SetOrAppend(e.Page)
			}
		} else if err := replayGroup(t, gi, g); err != nil {
			return err
		}

		if n := headTrim(g); n > 0 {
			t.RemoveHead(n)
		}
	}
	return nil
}

func replayGroup(t Target, gi int, g *Group) error {
	first := g.Pages[0]
	gapID := t.Prepend(first.Page, first.Discontinuous)

	for pi, e := range g.Pages[1:] {
		if gapID == 0 {
			return &domain.CorruptReplayError{
				Reason: fmt.Sprintf("group %d page %d fills a gap that is not open", gi, pi+1),
			}
		}
		var err error
		gapID, err = t.GapFill(e.Page, gapID)
		if err != nil {
			return &domain.CorruptReplayError{Reason: fmt.Sprintf("group %d page %d", gi, pi+1), Err: err}
		}
	}

	if gapID != 0 && !g.GapOpen {
		if _, err := t.GapFill(domain.Page{}, gapID); err != nil {
			return &domain.CorruptReplayError{Reason: fmt.Sprintf("group %d close gap", gi), Err: err}
		}
	}
	return nil
}
