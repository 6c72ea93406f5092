package timeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// triggerDebounce is the minimum time between two refreshes triggered by
// new posts.
const triggerDebounce = 5 * time.Second

type trigger struct {
	mu   sync.Mutex
	last time.Time
}

// allow reports whether a trigger at now passes the debounce.
func (t *trigger) allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < triggerDebounce {
		return false
	}
	t.last = now
	return true
}

// StartAutoRefresh loads newer posts every interval until ctx is
// cancelled. It blocks.
func (f *Feed) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refreshNewer(ctx, "timer")
		}
	}
}

// NotifyNewPost is called when a watched account published a post. It
// loads newer posts in the background, at most once per debounce period.
func (f *Feed) NotifyNewPost(ctx context.Context, post *domain.IncomingPost) {
	if !f.trigger.allow(time.Now()) {
		f.logger.Debug("refresh trigger debounced", "uri", post.URI)
		return
	}
	go f.refreshNewer(ctx, "firehose")
}

func (f *Feed) refreshNewer(ctx context.Context, source string) {
	if f.RowCount() == 0 {
		return
	}
	res, err := f.LoadNewer(ctx).Wait(ctx)
	switch {
	case errors.Is(err, domain.ErrBusy):
		f.logger.Debug("refresh skipped, fetch in progress", "source", source)
	case errors.Is(err, domain.ErrDiscarded), errors.Is(err, context.Canceled):
	case err != nil:
		f.logger.Warn("refresh failed", "source", source, "error", err)
	default:
		f.logger.Debug("refreshed", "source", source, "inserted", res.Inserted, "gap_id", res.GapID)
	}
}
