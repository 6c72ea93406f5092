package window

// Trim reports what a removeHead or removeTail call did.
type Trim struct {
	// Removed is the number of rows deleted.
	Removed int `json:"removed"`

	// Cursor is the next-page cursor of the page at the new edge of the
	// window. A tail trim truncates the replay log at the page carrying it.
	Cursor string `json:"cursor,omitempty"`

	// Partial is the number of rows removed from the page that carries
	// Cursor. Only set by RemoveHead.
	Partial int `json:"partial,omitempty"`
}

// RemoveTail removes at most n rows from the end of the window. The cut is
// aligned to the page boundary closest to n rows from the end so that the
// remaining last row still has a cursor to continue from.
func (w *Window) RemoveTail(n int) Trim {
	size := len(w.rows)
	if n <= 0 || n >= size {
		return Trim{}
	}

	boundary := w.cursorAtOrAfter(size - n - 1)
	if boundary < 0 {
		return Trim{}
	}
	removeIndex := boundary + 1
	if removeIndex >= size {
		w.logger.Debug("tail trim denied", "requested", n, "boundary", boundary)
		return Trim{}
	}

	cursor := w.cursors[boundary]
	removed := size - removeIndex
	w.deleteRows(removeIndex, removed)
	w.endOfFeed = false

	w.logger.Debug("tail trimmed", "requested", n, "removed", removed, "cursor", cursor)
	return Trim{Removed: removed, Cursor: cursor}
}

// RemoveHead removes n rows from the start of the window, extended over any
// gap placeholders directly following the cut. Nothing is removed when no
// page boundary follows the cut.
func (w *Window) RemoveHead(n int) Trim {
	size := len(w.rows)
	if n <= 0 || n >= size {
		return Trim{}
	}

	end := n - 1
	for end+1 < size && w.rows[end+1].IsGap() {
		end++
	}
	if end >= size-1 {
		w.logger.Debug("head trim denied, would empty window", "requested", n)
		return Trim{}
	}

	next := w.cursorAtOrAfter(end + 1)
	if next < 0 {
		w.logger.Debug("head trim denied, no page boundary after cut", "requested", n)
		return Trim{}
	}

	prev := w.cursorAtOrBefore(end)
	partial := 0
	for i := prev + 1; i <= end; i++ {
		if !w.rows[i].IsGap() {
			partial++
		}
	}

	cursor := w.cursors[next]
	w.deleteRows(0, end+1)

	w.logger.Debug("head trimmed", "requested", n, "removed", end+1, "cursor", cursor, "partial", partial)
	return Trim{Removed: end + 1, Cursor: cursor, Partial: partial}
}

func (w *Window) cursorAtOrAfter(index int) int {
	best := -1
	for idx := range w.cursors {
		if idx >= index && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

func (w *Window) cursorAtOrBefore(index int) int {
	best := -1
	for idx := range w.cursors {
		if idx <= index && idx > best {
			best = idx
		}
	}
	return best
}
