package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/blackmichael/bluesky-timeline/internal/replay"
)

var _ replay.Source = (*Feed)(nil)

// Snapshot encodes the replay log if it changed since the last snapshot.
func (f *Feed) Snapshot() (replay.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.log.Dirty() {
		return replay.Snapshot{}, false, nil
	}
	blob, err := replay.Encode(f.log, f.compression)
	if err != nil {
		return replay.Snapshot{}, false, fmt.Errorf("encode replay log: %w", err)
	}
	f.log.MarkClean()
	return replay.Snapshot{Seq: f.log.Seq(), Blob: blob}, true, nil
}

// MarkDirty makes the next snapshot write the log again.
func (f *Feed) MarkDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.MarkDirty()
}

// StartSaver persists the replay log every interval until ctx is
// cancelled. It blocks.
func (f *Feed) StartSaver(ctx context.Context, interval time.Duration) {
	f.saver.Run(ctx, interval)
}

// SaveNow schedules a background save of the replay log.
func (f *Feed) SaveNow(ctx context.Context) {
	f.saver.Schedule(ctx)
}

// WaitSaves blocks until no background save is running.
func (f *Feed) WaitSaves() {
	f.saver.Wait()
}
