package timeline

import (
	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/window"
)

// RowCount returns the number of rows in the window.
func (f *Feed) RowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window.RowCount()
}

// RowAt returns the row at index with the local overlay applied.
func (f *Feed) RowAt(index int) (domain.Post, bool) {
	f.mu.Lock()
	p, ok := f.window.RowAt(index)
	f.mu.Unlock()
	if !ok {
		return domain.Post{}, false
	}
	return f.project([]domain.Post{p})[0], true
}

// Rows returns up to limit rows from offset with the local overlay applied.
func (f *Feed) Rows(offset, limit int) []domain.Post {
	f.mu.Lock()
	rows := f.window.Rows(offset, limit)
	f.mu.Unlock()
	return f.project(rows)
}

func (f *Feed) project(rows []domain.Post) []domain.Post {
	if f.overlay == nil || len(rows) == 0 {
		return rows
	}
	return f.overlay.Apply(rows)
}

// LastForwardCursor returns the cursor the next LoadNext continues from.
func (f *Feed) LastForwardCursor() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window.LastForwardCursor()
}

// EndOfFeed reports whether the oldest end of the feed is loaded.
func (f *Feed) EndOfFeed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window.EndOfFeed()
}

// GapPlaceholderAt returns the placeholder row of an open gap.
func (f *Feed) GapPlaceholderAt(gapID int) (domain.Post, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window.GapPlaceholderAt(gapID)
}

// GapStatus reports the lifecycle state of a gap id.
func (f *Feed) GapStatus(gapID int) (window.GapStatus, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window.GapStatus(gapID)
}

// Busy reports whether a forward or backward fetch is in flight.
func (f *Feed) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

// Generation identifies the current incarnation of the window. It changes
// on Refresh and Close.
func (f *Feed) Generation() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// Subscribe returns a channel receiving window changes. Changes are dropped
// for subscribers that fall more than buffer changes behind. The returned
// function unsubscribes.
func (f *Feed) Subscribe(buffer int) (<-chan window.Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan window.Change, buffer)

	f.subsMu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.subsMu.Unlock()

	return ch, func() {
		f.subsMu.Lock()
		defer f.subsMu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
}

func (f *Feed) broadcast(c window.Change) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
