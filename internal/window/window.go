// Package window holds the materialized rows of a feed together with the
// cursor and gap bookkeeping needed to extend it in both directions.
package window

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// MaxSize bounds the number of rows a window should hold.
const MaxSize = 5000

// ChangeKind is the kind of a row range change.
type ChangeKind uint8

const (
	ChangeInserted ChangeKind = iota + 1
	ChangeRemoved
	ChangeUpdated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInserted:
		return "inserted"
	case ChangeRemoved:
		return "removed"
	case ChangeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Field is a bitset of the post fields touched by an update.
type Field uint8

const (
	FieldContent Field = 1 << iota
	FieldEndOfFeed

	FieldAll = FieldContent | FieldEndOfFeed
)

// Change describes an inclusive row range [Start, End] that changed.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Start  int        `json:"start"`
	End    int        `json:"end"`
	Fields Field      `json:"fields,omitempty"`
}

// Window is the bounded, ordered set of rows of one feed. It is not safe
// for concurrent use; the owner serializes access.
type Window struct {
	rows      []domain.Post
	ids       map[string]struct{}
	uris      map[string]string
	cursors   map[int]string
	gaps      *gapManager
	endOfFeed bool

	lastInserted int

	notify func(Change)
	logger *slog.Logger
}

// New creates an empty window. notify receives every row range change and
// may be nil; it must not call back into the window.
func New(logger *slog.Logger, notify func(Change)) *Window {
	return &Window{
		ids:          make(map[string]struct{}),
		uris:         make(map[string]string),
		cursors:      make(map[int]string),
		gaps:         newGapManager(),
		lastInserted: -1,
		notify:       notify,
		logger:       logger,
	}
}

// RowCount returns the number of rows.
func (w *Window) RowCount() int {
	return len(w.rows)
}

// RowAt returns the row at index.
func (w *Window) RowAt(index int) (domain.Post, bool) {
	if index < 0 || index >= len(w.rows) {
		return domain.Post{}, false
	}
	return w.rows[index], true
}

// Rows returns a copy of up to limit rows starting at offset. A limit <= 0
// returns everything from offset.
func (w *Window) Rows(offset, limit int) []domain.Post {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(w.rows) {
		return nil
	}
	end := len(w.rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]domain.Post, end-offset)
	copy(out, w.rows[offset:end])
	return out
}

// Contains reports whether a row with the given content id exists.
func (w *Window) Contains(cid string) bool {
	_, ok := w.ids[cid]
	return ok
}

// LastForwardCursor returns the cursor to load older posts with, or empty
// when the end of the feed has been reached or nothing is loaded.
func (w *Window) LastForwardCursor() string {
	if w.endOfFeed || len(w.cursors) == 0 {
		return ""
	}
	last := -1
	for idx := range w.cursors {
		if idx > last {
			last = idx
		}
	}
	return w.cursors[last]
}

// EndOfFeed reports whether the oldest end of the feed has been loaded.
func (w *Window) EndOfFeed() bool {
	return w.endOfFeed
}

// CursorAt returns the cursor stored for the row at index.
func (w *Window) CursorAt(index int) (string, bool) {
	c, ok := w.cursors[index]
	return c, ok
}

// CursorIndices returns the row indices that carry a cursor, ascending.
func (w *Window) CursorIndices() []int {
	out := make([]int, 0, len(w.cursors))
	for idx := range w.cursors {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// GapPlaceholderAt returns the placeholder row of an open gap.
func (w *Window) GapPlaceholderAt(gapID int) (domain.Post, bool) {
	idx, ok := w.gaps.lookup(gapID)
	if !ok {
		return domain.Post{}, false
	}
	return w.rows[idx], true
}

// GapIndex returns the row index of an open gap.
func (w *Window) GapIndex(gapID int) (int, bool) {
	return w.gaps.lookup(gapID)
}

// GapStatus reports the lifecycle state of a gap id. For a reissued gap the
// successor id is returned as well.
func (w *Window) GapStatus(gapID int) (GapStatus, int) {
	return w.gaps.status(gapID)
}

// OpenGaps returns the number of open gaps.
func (w *Window) OpenGaps() int {
	return w.gaps.count()
}

// LastInsertedIndex returns the index of the last row inserted by a prepend
// or gap fill, or -1.
func (w *Window) LastInsertedIndex() int {
	return w.lastInserted
}

// CheckCapacity returns ErrCapacityExceeded when adding extra rows would
// grow the window beyond MaxSize.
func (w *Window) CheckCapacity(extra int) error {
	if len(w.rows)+extra > MaxSize {
		return fmt.Errorf("%d rows plus %d: %w", len(w.rows), extra, domain.ErrCapacityExceeded)
	}
	return nil
}

// Clear drops all rows, cursors and gaps.
func (w *Window) Clear() {
	size := len(w.rows)
	w.rows = nil
	w.ids = make(map[string]struct{})
	w.uris = make(map[string]string)
	w.cursors = make(map[int]string)
	w.gaps.reset()
	w.endOfFeed = false
	w.lastInserted = -1
	if size > 0 {
		w.emit(Change{Kind: ChangeRemoved, Start: 0, End: size - 1})
	}
}

func (w *Window) emit(c Change) {
	if w.notify != nil {
		w.notify(c)
	}
}
