package window

import (
	"fmt"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// SetOrAppend adds the page after the last row. On an empty window it
// replaces all bookkeeping. Returns the number of rows inserted.
func (w *Window) SetOrAppend(page domain.Page) int {
	if len(w.rows) == 0 {
		w.cursors = make(map[int]string)
		w.endOfFeed = false
	}

	rows := w.admit(page.Entries)
	at := len(w.rows)
	if len(rows) > 0 {
		w.insertRows(at, rows)
	}
	if len(w.rows) == 0 {
		w.endOfFeed = page.NextCursor == ""
		return 0
	}

	last := len(w.rows) - 1
	if page.NextCursor != "" {
		w.cursors[last] = page.NextCursor
		if w.endOfFeed {
			w.endOfFeed = false
			w.clearEndOfFeedMark()
		}
		return len(rows)
	}

	w.clearEndOfFeedMark()
	w.endOfFeed = true
	w.rows[last].EndOfFeed = true
	w.emit(Change{Kind: ChangeUpdated, Start: last, End: last, Fields: FieldEndOfFeed})
	return len(rows)
}

// Prepend inserts the page before the first row. When the page does not
// reach the old first row and gapIfDiscontinuous is set, a gap placeholder
// is put between them. Returns the id of that gap, or 0.
func (w *Window) Prepend(page domain.Page, gapIfDiscontinuous bool) int {
	if page.Empty() {
		w.logger.Debug("prepend of empty page ignored")
		return 0
	}
	if len(w.rows) == 0 {
		w.SetOrAppend(page)
		return 0
	}
	return w.insertPage(page, 0, gapIfDiscontinuous)
}

// GapFill replaces the placeholder of gapID with the page. Returns the id of
// the gap that is still open behind the inserted rows, or 0 when the gap
// closed. An unknown gap id leaves the window untouched and returns
// ErrStaleGap.
func (w *Window) GapFill(page domain.Page, gapID int) (int, error) {
	idx, ok := w.gaps.take(gapID)
	if !ok {
		return 0, fmt.Errorf("gap %d: %w", gapID, domain.ErrStaleGap)
	}

	w.deleteRows(idx, 1)
	newID := w.insertPage(page, idx, true)
	w.gaps.resolve(gapID, newID)

	w.logger.Debug("gap filled", "gap_id", gapID, "index", idx, "new_gap_id", newID)
	return newID, nil
}

// CloseGap removes the placeholder of gapID without inserting anything.
func (w *Window) CloseGap(gapID int) error {
	_, err := w.GapFill(domain.Page{}, gapID)
	return err
}

// insertPage integrates a page at row index at, which is either 0 or the
// position of a removed gap placeholder.
func (w *Window) insertPage(page domain.Page, at int, allowGap bool) int {
	entries := page.Entries
	ov := w.findOverlap(entries, at)

	connected := ov.matched || ov.crossed || page.NextCursor == "" || page.Continuous ||
		w.repliesToBoundary(entries, at)

	rows := w.admit(entries[:ov.cut])

	gapID := 0
	if !connected && allowGap {
		gapID = w.gaps.mint()
		rows = append(rows, domain.NewGap(gapID, page.NextCursor))
	}
	if len(rows) == 0 {
		w.logger.Debug("page fully overlaps", "index", at, "entries", len(entries))
		return 0
	}

	w.insertRows(at, rows)
	if gapID != 0 {
		w.gaps.place(gapID, at+len(rows)-1)
	}

	inserted := len(rows)
	if gapID != 0 {
		inserted--
	}

	switch {
	case page.NextCursor == "":
	case ov.cut == len(entries) && inserted > 0:
		w.cursors[at+inserted-1] = page.NextCursor
	case ov.matched && ov.entry == len(entries)-1 && ov.row == at:
		// The overlap starts right after the inserted run, so the page
		// cursor continues from the matched row.
		row := ov.row + len(rows)
		if _, exists := w.cursors[row]; !exists {
			w.cursors[row] = page.NextCursor
		}
	}

	w.lastInserted = at + len(rows) - 1
	w.logger.Debug("page inserted",
		"index", at,
		"entries", len(entries),
		"inserted", inserted,
		"overlap", ov.matched,
		"gap_id", gapID,
	)
	return gapID
}

// overlap is the result of comparing a page with the rows at and after an
// insertion point.
type overlap struct {
	// cut is the number of leading page entries that may be inserted.
	cut int
	// matched is set when an entry id was found in the window; entry and
	// row give the position on both sides.
	matched bool
	entry   int
	row     int
	// crossed is set when an entry is older than the first row after the
	// insertion point.
	crossed bool
}

func (w *Window) findOverlap(entries []domain.Post, at int) overlap {
	ov := overlap{cut: len(entries), entry: -1, row: -1}

	for p := len(entries) - 1; p >= 0; p-- {
		id := entries[p].Identity()
		if id == "" || !w.Contains(id) {
			continue
		}
		if row := w.indexOf(id, at); row >= 0 {
			ov.cut = p
			ov.matched = true
			ov.entry = p
			ov.row = row
			break
		}
	}

	boundary := w.firstContentRow(at)
	if boundary < 0 || w.rows[boundary].Timestamp.IsZero() {
		return ov
	}
	limit := w.rows[boundary].Timestamp
	for i := 0; i < ov.cut; i++ {
		ts := entries[i].Timestamp
		if !ts.IsZero() && ts.Before(limit) {
			ov.cut = i
			ov.crossed = true
			break
		}
	}
	return ov
}

// repliesToBoundary reports whether the last page entry replies to the first
// row after the insertion point.
func (w *Window) repliesToBoundary(entries []domain.Post, at int) bool {
	if len(entries) == 0 {
		return false
	}
	last := entries[len(entries)-1]
	if !last.IsReply() {
		return false
	}
	boundary := w.firstContentRow(at)
	return boundary >= 0 && last.Reply.ParentCID != "" && last.Reply.ParentCID == w.rows[boundary].CID
}

// firstContentRow returns the first row at or after index that is not a
// placeholder, or -1.
func (w *Window) firstContentRow(index int) int {
	for i := index; i < len(w.rows); i++ {
		if !w.rows[i].Kind.IsPlaceholder() {
			return i
		}
	}
	return -1
}

func (w *Window) indexOf(cid string, from int) int {
	for i := from; i < len(w.rows); i++ {
		if w.rows[i].CID == cid && !w.rows[i].Kind.IsPlaceholder() {
			return i
		}
	}
	return -1
}

// admit drops entries whose id is already materialized or repeated within
// entries. An entry that is a newer version of a live URI updates that row
// in place instead of being inserted.
func (w *Window) admit(entries []domain.Post) []domain.Post {
	out := make([]domain.Post, 0, len(entries))
	seenIDs := make(map[string]struct{}, len(entries))
	seenURIs := make(map[string]struct{}, len(entries))

	for _, p := range entries {
		if p.Kind == domain.KindGap {
			continue
		}
		id := p.Identity()
		if id != "" {
			if w.Contains(id) {
				continue
			}
			if _, dup := seenIDs[id]; dup {
				continue
			}
			if p.URI != "" {
				if _, dup := seenURIs[p.URI]; dup {
					continue
				}
				if old, live := w.uris[p.URI]; live && old != id {
					w.replaceVersion(old, p)
					continue
				}
				seenURIs[p.URI] = struct{}{}
			}
			seenIDs[id] = struct{}{}
		}
		p.EndOfFeed = false
		out = append(out, p)
	}
	return out
}

// replaceVersion swaps the row holding oldID for a newer version of the
// same post.
func (w *Window) replaceVersion(oldID string, p domain.Post) {
	idx := w.indexOf(oldID, 0)
	if idx < 0 {
		return
	}
	current := w.rows[idx]
	p.ThreadRole = current.ThreadRole
	p.Fold = current.Fold
	p.EndOfFeed = current.EndOfFeed

	delete(w.ids, oldID)
	w.ids[p.CID] = struct{}{}
	w.uris[p.URI] = p.CID
	w.rows[idx] = p

	w.logger.Debug("post version replaced", "uri", p.URI, "old_cid", oldID, "cid", p.CID)
	w.emit(Change{Kind: ChangeUpdated, Start: idx, End: idx, Fields: FieldContent})
}

func (w *Window) clearEndOfFeedMark() {
	for i := len(w.rows) - 1; i >= 0; i-- {
		if w.rows[i].EndOfFeed {
			w.rows[i].EndOfFeed = false
			w.emit(Change{Kind: ChangeUpdated, Start: i, End: i, Fields: FieldEndOfFeed})
			return
		}
	}
}

// insertRows places rows at index at and moves all bookkeeping behind it.
func (w *Window) insertRows(at int, rows []domain.Post) {
	n := len(rows)
	w.shiftIndices(at, n)

	w.rows = append(w.rows, rows...)
	copy(w.rows[at+n:], w.rows[at:len(w.rows)-n])
	copy(w.rows[at:], rows)

	for _, p := range rows {
		if id := p.Identity(); id != "" {
			w.ids[id] = struct{}{}
			if p.URI != "" {
				w.uris[p.URI] = id
			}
		}
	}
	w.emit(Change{Kind: ChangeInserted, Start: at, End: at + n - 1})
}

// deleteRows removes count rows starting at start. Cursors and gaps inside
// the range are dropped, those behind it move up.
func (w *Window) deleteRows(start, count int) {
	if count <= 0 {
		return
	}
	end := start + count

	for _, p := range w.rows[start:end] {
		if id := p.Identity(); id != "" {
			delete(w.ids, id)
			if w.uris[p.URI] == id {
				delete(w.uris, p.URI)
			}
		}
	}
	w.rows = append(w.rows[:start], w.rows[end:]...)

	for idx := range w.cursors {
		if idx >= start && idx < end {
			delete(w.cursors, idx)
		}
	}
	w.gaps.drop(start, end)
	w.shiftIndices(end, -count)

	switch {
	case w.lastInserted >= end:
		w.lastInserted -= count
	case w.lastInserted >= start:
		w.lastInserted = -1
	}
	w.emit(Change{Kind: ChangeRemoved, Start: start, End: end - 1})
}

// shiftIndices moves every cursor and gap at or after from by offset.
func (w *Window) shiftIndices(from, offset int) {
	if offset == 0 {
		return
	}
	shifted := make(map[int]string, len(w.cursors))
	for idx, c := range w.cursors {
		if idx >= from {
			idx += offset
		}
		shifted[idx] = c
	}
	w.cursors = shifted
	w.gaps.shift(from, offset)
}
