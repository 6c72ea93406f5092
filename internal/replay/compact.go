package replay

import (
	"slices"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/window"
)

// survivors indexes what is left in a window after a head trim.
type survivors struct {
	ids     map[string]struct{}
	gaps    map[string]struct{}
	cursors map[string]struct{}
}

func survivorsOf(w *window.Window) survivors {
	s := survivors{
		ids:     make(map[string]struct{}),
		gaps:    make(map[string]struct{}),
		cursors: make(map[string]struct{}),
	}
	for i, p := range w.Rows(0, 0) {
		if p.IsGap() {
			s.gaps[p.GapCursor] = struct{}{}
		} else if id := p.Identity(); id != "" {
			s.ids[id] = struct{}{}
		}
		if c, ok := w.CursorAt(i); ok {
			s.cursors[c] = struct{}{}
		}
	}
	return s
}

// keeps reports whether any row or cursor of page is still in the window.
func (s survivors) keeps(page domain.Page) bool {
	if page.NextCursor != "" {
		if _, ok := s.cursors[page.NextCursor]; ok {
			return true
		}
		if _, ok := s.gaps[page.NextCursor]; ok {
			return true
		}
	}
	for i := range page.Entries {
		if _, ok := s.ids[page.Entries[i].Identity()]; ok {
			return true
		}
	}
	return false
}

func (s survivors) alive(p *domain.Post) bool {
	if p.IsGap() {
		_, ok := s.gaps[p.GapCursor]
		return ok
	}
	id := p.Identity()
	if id == "" {
		return true
	}
	_, ok := s.ids[id]
	return ok
}

// prune copies groups without their leading pages that keep nothing alive.
// Later groups left without pages are dropped; the first group keeps at
// least its last page.
func (s survivors) prune(groups []*Group) []*Group {
	out := make([]*Group, 0, len(groups))
	for gi, g := range groups {
		skip := 0
		for skip < len(g.Pages) && !s.keeps(g.Pages[skip].Page) {
			skip++
		}
		if skip == len(g.Pages) {
			if gi > 0 {
				continue
			}
			skip = max(len(g.Pages)-1, 0)
		}
		out = append(out, &Group{
			Pages:   slices.Clone(g.Pages[skip:]),
			GapOpen: g.GapOpen,
		})
	}
	return out
}

// trimDead returns a replay hook that sets each group's head trim to the
// number of dead rows at the head of w.
func (s survivors) trimDead(w *window.Window) func(*Group) int {
	return func(g *Group) int {
		n := 0
		for ; n < w.RowCount(); n++ {
			row, _ := w.RowAt(n)
			if s.alive(&row) {
				break
			}
		}
		g.HeadTrim = n
		return n
	}
}

type rowState struct {
	cid       string
	kind      domain.Kind
	role      domain.ThreadRole
	fold      domain.Fold
	gapCursor string
	endOfFeed bool
	cursor    string
}

type windowState struct {
	rows      []rowState
	endOfFeed bool
	forward   string
}

// capture records row order and identity, thread roles, gaps and page
// cursors of w.
func capture(w *window.Window) windowState {
	rows := w.Rows(0, 0)
	st := windowState{
		rows:      make([]rowState, len(rows)),
		endOfFeed: w.EndOfFeed(),
		forward:   w.LastForwardCursor(),
	}
	for i, p := range rows {
		cursor, _ := w.CursorAt(i)
		st.rows[i] = rowState{
			cid:       p.CID,
			kind:      p.Kind,
			role:      p.ThreadRole,
			fold:      p.Fold,
			gapCursor: p.GapCursor,
			endOfFeed: p.EndOfFeed,
			cursor:    cursor,
		}
	}
	return st
}

// equal also requires every page cursor on the same row.
func (a windowState) equal(b windowState) bool {
	return a.sameTimeline(b) && slices.Equal(a.rows, b.rows)
}

// sameTimeline compares what a reader of the window sees: the rows, their
// roles, the open gaps and where loading older posts continues from.
func (a windowState) sameTimeline(b windowState) bool {
	if a.endOfFeed != b.endOfFeed || a.forward != b.forward || len(a.rows) != len(b.rows) {
		return false
	}
	for i := range a.rows {
		x, y := a.rows[i], b.rows[i]
		x.cursor, y.cursor = "", ""
		if x != y {
			return false
		}
	}
	return true
}
