package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// Snapshot is an encoded log ready to be written.
type Snapshot struct {
	Seq  uint64
	Blob []byte
}

// Source hands out snapshots of a log that changed since the previous one.
type Source interface {
	// Snapshot returns false when nothing changed.
	Snapshot() (Snapshot, bool, error)

	// MarkDirty requests another snapshot after a failed write.
	MarkDirty()
}

// Saver writes snapshots in the background. A new save cancels one that is
// still running; the repository drops writes older than the stored one.
type Saver struct {
	repo   domain.ReplayRepository
	key    domain.FeedKey
	source Source
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewSaver creates a Saver for one feed.
func NewSaver(repo domain.ReplayRepository, key domain.FeedKey, source Source, logger *slog.Logger) *Saver {
	return &Saver{
		repo:   repo,
		key:    key,
		source: source,
		logger: logger,
	}
}

// Run saves on every tick until ctx is cancelled.
func (s *Saver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.cancelInflight()
			return
		case <-ticker.C:
			s.Schedule(ctx)
		}
	}
}

// Schedule starts a background write of the current snapshot, superseding
// any write still in progress.
func (s *Saver) Schedule(ctx context.Context) {
	snap, ok, err := s.source.Snapshot()
	if err != nil {
		s.logger.Error("replay snapshot failed", "feed", s.key.String(), "error", err)
		return
	}
	if !ok {
		return
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	saveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		defer cancel()
		s.write(saveCtx, snap)
	}()
}

// Flush waits for running writes and then writes the current snapshot
// synchronously.
func (s *Saver) Flush(ctx context.Context) error {
	s.inflight.Wait()

	snap, ok, err := s.source.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot replay log: %w", err)
	}
	if !ok {
		return nil
	}
	if err := s.write(ctx, snap); err != nil {
		return fmt.Errorf("save replay log: %w", err)
	}
	return nil
}

// Wait blocks until no write is running.
func (s *Saver) Wait() {
	s.inflight.Wait()
}

func (s *Saver) cancelInflight() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.inflight.Wait()
}

func (s *Saver) write(ctx context.Context, snap Snapshot) error {
	saveID := uuid.NewString()
	start := time.Now()

	applied, err := s.repo.SaveReplay(ctx, s.key, snap.Seq, snap.Blob)
	if err != nil {
		s.source.MarkDirty()
		if ctx.Err() != nil {
			s.logger.Debug("replay save superseded", "feed", s.key.String(), "save_id", saveID, "seq", snap.Seq)
			return err
		}
		s.logger.Error("replay save failed", "feed", s.key.String(), "save_id", saveID, "error", err)
		return err
	}

	s.logger.Info("replay saved",
		"feed", s.key.String(),
		"save_id", saveID,
		"seq", snap.Seq,
		"applied", applied,
		"size", humanize.Bytes(uint64(len(snap.Blob))),
		"duration", time.Since(start),
	)
	return nil
}
