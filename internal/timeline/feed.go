// Package timeline drives a feed window: it fetches pages, integrates them
// on a single logical writer, records every mutation in the replay log and
// persists that log in the background.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/replay"
	"github.com/blackmichael/bluesky-timeline/internal/stitcher"
	"github.com/blackmichael/bluesky-timeline/internal/window"
)

// quietLogger backs scratch windows used to check the replay log.
var quietLogger = slog.New(slog.DiscardHandler)

// Page sizes requested from the pager and used for capacity trimming.
const (
	AddPageSize     = 100
	GapFillPageSize = 100
	PrependPageSize = 50
	DeletePageSize  = 100
)

// Options configures a Feed.
type Options struct {
	Key         domain.FeedKey
	Compression replay.Compression
}

// Feed owns the window and replay log of one feed. All mutations happen
// while holding mu; fetches run on their own goroutines and only take mu
// to integrate their result.
type Feed struct {
	key         domain.FeedKey
	compression replay.Compression
	pager       domain.Pager
	builder     *stitcher.Builder
	overlay     domain.LocalOverlay
	repo        domain.ReplayRepository
	saver       *replay.Saver
	logger      *slog.Logger

	mu         sync.Mutex
	window     *window.Window
	log        *replay.Log
	generation string
	busy       bool
	gapBusy    map[int]bool
	closed     bool

	subsMu  sync.Mutex
	subs    map[int]chan window.Change
	nextSub int

	trigger trigger
}

// New creates a Feed with an empty window. overlay may be nil.
func New(
	opts Options,
	pager domain.Pager,
	builder *stitcher.Builder,
	overlay domain.LocalOverlay,
	repo domain.ReplayRepository,
	logger *slog.Logger,
) *Feed {
	logger = logger.With("feed", opts.Key.String())
	f := &Feed{
		key:         opts.Key,
		compression: opts.Compression,
		pager:       pager,
		builder:     builder,
		overlay:     overlay,
		repo:        repo,
		logger:      logger,
		log:         replay.NewLog(),
		generation:  uuid.NewString(),
		gapBusy:     make(map[int]bool),
		subs:        make(map[int]chan window.Change),
	}
	f.window = window.New(logger, f.broadcast)
	f.saver = replay.NewSaver(repo, opts.Key, f, logger)
	return f
}

// Key returns the identity of the feed.
func (f *Feed) Key() domain.FeedKey {
	return f.key
}

// Restore rebuilds the window from the persisted replay log. A log that
// cannot be decoded or replayed is deleted, the window stays empty and a
// *domain.CorruptReplayError is returned.
func (f *Feed) Restore(ctx context.Context) error {
	stored, err := f.repo.LoadReplay(ctx, f.key)
	if err != nil {
		return fmt.Errorf("load replay: %w", err)
	}
	if stored == nil {
		f.logger.Info("no replay log stored")
		return nil
	}

	lg, err := replay.Decode(stored.Blob)

	f.mu.Lock()
	if err == nil {
		err = lg.Replay(f.window)
	}
	if err == nil {
		lg.Resume(stored.Seq)
		lg.MarkClean()
		f.log = lg
		rows := f.window.RowCount()
		f.mu.Unlock()
		f.logger.Info("replay log restored", "rows", rows, "pages", lg.PageCount(), "seq", stored.Seq)
		return nil
	}

	f.window.Clear()
	f.log = replay.NewLog()
	f.log.Resume(stored.Seq)
	f.mu.Unlock()

	f.logger.Warn("discarding replay log", "error", err)
	if delErr := f.repo.DeleteReplay(ctx, f.key); delErr != nil {
		f.logger.Error("failed to delete replay log", "error", delErr)
	}

	var corrupt *domain.CorruptReplayError
	if errors.As(err, &corrupt) {
		return err
	}
	return &domain.CorruptReplayError{Reason: "replay", Err: err}
}

// LoadNext fetches the page after the last row.
func (f *Feed) LoadNext(ctx context.Context) *Pending {
	f.mu.Lock()
	if err := f.acquireLocked(); err != nil {
		f.mu.Unlock()
		return failed(err)
	}

	cursor := f.window.LastForwardCursor()
	if cursor == "" && f.window.RowCount() > 0 {
		f.busy = false
		f.mu.Unlock()
		return failed(domain.ErrEndOfFeed)
	}

	if err := f.window.CheckCapacity(AddPageSize); err != nil {
		f.logger.Info("window full, trimming head", "rows", f.window.RowCount(), "reason", err)
		f.trimHeadLocked(DeletePageSize)
	}

	gen := f.generation
	f.mu.Unlock()

	p := newPending()
	go func() {
		raw, err := f.pager.FetchForward(ctx, cursor)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.releaseLocked(gen)

		if err := f.checkFetchLocked(gen, "fetch forward", err); err != nil {
			p.finish(Result{RowCount: f.window.RowCount()}, err)
			return
		}

		before := f.window.RowCount()
		page, stats := f.builder.Build(raw, f.window.Contains)
		f.window.SetOrAppend(page)
		f.log.RecordAppend(page)
		inserted := f.window.RowCount() - before
		f.fitLocked(true)

		res := Result{Inserted: inserted, RowCount: f.window.RowCount()}
		f.logPage("append", page, stats, res)
		p.finish(res, nil)
	}()
	return p
}

// LoadNewer fetches the newest posts and puts them in front of the first
// row, leaving a gap when they do not reach it.
func (f *Feed) LoadNewer(ctx context.Context) *Pending {
	f.mu.Lock()
	if err := f.acquireLocked(); err != nil {
		f.mu.Unlock()
		return failed(err)
	}

	if err := f.window.CheckCapacity(PrependPageSize); err != nil {
		f.logger.Info("window full, trimming tail", "rows", f.window.RowCount(), "reason", err)
		f.trimTailLocked(DeletePageSize)
	}

	gen := f.generation
	f.mu.Unlock()

	p := newPending()
	go func() {
		raw, err := f.pager.FetchBackward(ctx, "")

		f.mu.Lock()
		defer f.mu.Unlock()
		f.releaseLocked(gen)

		if err := f.checkFetchLocked(gen, "fetch backward", err); err != nil {
			p.finish(Result{RowCount: f.window.RowCount()}, err)
			return
		}

		before := f.window.RowCount()
		page, stats := f.builder.Build(raw, f.window.Contains)
		gapID := f.window.Prepend(page, true)
		f.log.RecordPrepend(page, true, gapID != 0)

		res := Result{GapID: gapID, Inserted: f.window.RowCount() - before}
		if gapID != 0 {
			res.Inserted--
		}
		f.fitLocked(false)
		res.RowCount = f.window.RowCount()
		res.GapID = f.liveGapLocked(gapID)
		f.logPage("prepend", page, stats, res)
		p.finish(res, nil)
	}()
	return p
}

// FillGap fetches the posts behind an open gap and integrates them in its
// place.
func (f *Feed) FillGap(ctx context.Context, gapID int) *Pending {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return failed(domain.ErrClosed)
	}
	gap, ok := f.window.GapPlaceholderAt(gapID)
	if !ok {
		f.mu.Unlock()
		return failed(fmt.Errorf("gap %d: %w", gapID, domain.ErrStaleGap))
	}
	if f.gapBusy[gapID] {
		f.mu.Unlock()
		return failed(fmt.Errorf("gap %d: %w", gapID, domain.ErrBusy))
	}
	f.gapBusy[gapID] = true
	gen := f.generation
	cursor := gap.GapCursor
	f.mu.Unlock()

	p := newPending()
	go func() {
		raw, err := f.pager.FetchGap(ctx, cursor)

		f.mu.Lock()
		defer f.mu.Unlock()
		if gen == f.generation {
			delete(f.gapBusy, gapID)
		}

		if err := f.checkFetchLocked(gen, "fetch gap", err); err != nil {
			p.finish(Result{RowCount: f.window.RowCount()}, err)
			return
		}

		before := f.window.RowCount()
		page, stats := f.builder.Build(raw, f.window.Contains)
		newID, err := f.window.GapFill(page, gapID)
		if err != nil {
			f.logger.Debug("dropping gap fill", "gap_id", gapID, "error", err)
			p.finish(Result{RowCount: before}, err)
			return
		}
		if !f.log.RecordGapFill(page, cursor, newID != 0) {
			f.logger.Warn("gap fill not found in replay log", "gap_id", gapID)
		}

		res := Result{GapID: newID, Inserted: f.window.RowCount() - before + 1}
		if newID != 0 {
			res.Inserted--
		}
		f.fitLocked(false)
		res.RowCount = f.window.RowCount()
		res.GapID = f.liveGapLocked(newID)
		f.logPage("gap fill", page, stats, res)
		p.finish(res, nil)
	}()
	return p
}

// CloseGap removes an open gap without filling it.
func (f *Feed) CloseGap(gapID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return domain.ErrClosed
	}
	gap, ok := f.window.GapPlaceholderAt(gapID)
	if !ok {
		return fmt.Errorf("gap %d: %w", gapID, domain.ErrStaleGap)
	}
	if err := f.window.CloseGap(gapID); err != nil {
		return err
	}
	if !f.log.RecordCloseGap(gap.GapCursor) {
		f.logger.Warn("closed gap not found in replay log", "gap_id", gapID)
	}
	return nil
}

// TrimHead removes up to n rows from the top of the window.
func (f *Feed) TrimHead(n int) window.Trim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trimHeadLocked(n)
}

// TrimTail removes up to n rows from the bottom of the window.
func (f *Feed) TrimTail(n int) window.Trim {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trimTailLocked(n)
}

func (f *Feed) trimHeadLocked(n int) window.Trim {
	t := f.window.RemoveHead(n)
	if t.Removed > 0 && !f.log.RemoveHead(t.Removed, f.window, window.New(quietLogger, nil)) {
		f.logger.Warn("replay log no longer rebuilds the window after head trim", "removed", t.Removed)
	}
	return t
}

func (f *Feed) trimTailLocked(n int) window.Trim {
	t := f.window.RemoveTail(n)
	if t.Removed > 0 && !f.log.RemoveTail(t.Cursor) {
		f.logger.Warn("tail trim cursor not found in replay log", "cursor", t.Cursor)
	}
	return t
}

// fitLocked trims the window back to window.MaxSize after an integration.
// Appends give up rows at the head, prepends and gap fills at the tail.
// Tail trims stop at page boundaries, so the request grows until one lands.
func (f *Feed) fitLocked(atHead bool) {
	n := f.window.RowCount() - window.MaxSize
	for n > 0 && n < f.window.RowCount() {
		var t window.Trim
		if atHead {
			t = f.trimHeadLocked(n)
		} else {
			t = f.trimTailLocked(n)
		}
		over := f.window.RowCount() - window.MaxSize
		if over <= 0 {
			f.logger.Info("window over capacity, trimmed", "removed", t.Removed, "rows", f.window.RowCount(), "head", atHead)
			return
		}
		if t.Removed == 0 {
			n += DeletePageSize
		} else {
			n = over
		}
	}
}

// liveGapLocked returns gapID if its placeholder survived trimming, 0
// otherwise.
func (f *Feed) liveGapLocked(gapID int) int {
	if gapID == 0 {
		return 0
	}
	if _, ok := f.window.GapPlaceholderAt(gapID); !ok {
		return 0
	}
	return gapID
}

// Refresh drops all rows and history. Fetches still in flight are
// discarded when they complete.
func (f *Feed) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.generation = uuid.NewString()
	f.busy = false
	f.gapBusy = make(map[int]bool)
	f.window.Clear()
	f.log.Clear()
	f.logger.Info("feed refreshed", "generation", f.generation)
}

// Close invalidates in-flight fetches and writes the replay log one last
// time.
func (f *Feed) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.generation = uuid.NewString()
	f.mu.Unlock()

	f.subsMu.Lock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	f.subsMu.Unlock()

	return f.saver.Flush(ctx)
}

func (f *Feed) acquireLocked() error {
	if f.closed {
		return domain.ErrClosed
	}
	if f.busy {
		return domain.ErrBusy
	}
	f.busy = true
	return nil
}

func (f *Feed) releaseLocked(gen string) {
	if gen == f.generation {
		f.busy = false
	}
}

// checkFetchLocked returns an error when a fetch result must not be
// integrated.
func (f *Feed) checkFetchLocked(gen, op string, err error) error {
	if gen != f.generation {
		f.logger.Debug("discarding result of reset feed", "op", op)
		return domain.ErrDiscarded
	}
	if err != nil {
		f.logger.Warn("fetch failed", "op", op, "error", err)
		return transportError(op, err)
	}
	return nil
}

func transportError(op string, err error) error {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &domain.TransportError{Op: op, Err: err}
}

func (f *Feed) logPage(op string, page domain.Page, stats stitcher.Stats, res Result) {
	f.logger.Info("page integrated",
		"op", op,
		"entries", len(page.Entries),
		"inserted", res.Inserted,
		"hidden", stats.Hidden,
		"muted", stats.Muted,
		"gap_id", res.GapID,
		"rows", res.RowCount,
	)
}
