package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/bluesky-timeline/internal/bluesky"
	"github.com/blackmichael/bluesky-timeline/internal/config"
	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/filter"
	"github.com/blackmichael/bluesky-timeline/internal/firehose"
	"github.com/blackmichael/bluesky-timeline/internal/httpserver"
	"github.com/blackmichael/bluesky-timeline/internal/overlay"
	"github.com/blackmichael/bluesky-timeline/internal/replay"
	"github.com/blackmichael/bluesky-timeline/internal/sqlite"
	"github.com/blackmichael/bluesky-timeline/internal/stitcher"
	"github.com/blackmichael/bluesky-timeline/internal/timeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	compression, err := replay.ParseCompression(cfg.Compression)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Repository implements both ReplayRepository and CursorRepository
	repo, err := sqlite.NewRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("opened database", "path", cfg.DatabasePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := bluesky.NewClient(cfg.PDS)
	if err := client.Login(ctx, cfg.Handle, cfg.AppPassword); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Info("logged in", "handle", cfg.Handle, "did", client.DID())

	mutes, err := filter.NewMuteWords(cfg.MutedWords)
	if err != nil {
		return err
	}
	visibility := filter.NewVisibility(filter.Rules{
		MutedAuthors: cfg.MutedAuthors,
		Langs:        cfg.Langs,
		HideReposts:  cfg.HideReposts,
		HideReplies:  cfg.HideReplies,
	})
	builder := stitcher.New(visibility, mutes, stitcher.Options{
		AssembleThreads: cfg.AssembleThreads,
		FoldThreads:     cfg.FoldThreads,
	}, logger)

	pager := bluesky.NewPager(client, bluesky.Source{FeedURI: cfg.FeedURI}, bluesky.Limits{
		Forward:  timeline.AddPageSize,
		Backward: timeline.PrependPageSize,
		Gap:      timeline.GapFillPageSize,
	})
	changes := overlay.New()

	feed := timeline.New(timeline.Options{
		Key:         domain.FeedKey{UserDID: client.DID(), FeedName: cfg.FeedName},
		Compression: compression,
	}, pager, builder, changes, repo, logger)

	var corrupt *domain.CorruptReplayError
	if err := feed.Restore(ctx); errors.As(err, &corrupt) {
		logger.Warn("starting with an empty timeline", "error", err)
	} else if err != nil {
		return fmt.Errorf("restore timeline: %w", err)
	}
	if feed.RowCount() == 0 {
		if _, err := feed.LoadNext(ctx).Wait(ctx); err != nil {
			logger.Warn("initial load failed", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go feed.StartSaver(ctx, cfg.SaveInterval)
	if cfg.RefreshInterval > 0 {
		go feed.StartAutoRefresh(ctx, cfg.RefreshInterval)
	}

	// Start the firehose subscriber in the background
	if len(cfg.WatchDIDs) > 0 {
		subscriber := firehose.NewSubscriber(cfg.FirehoseURL, cfg.WatchDIDs, repo, feed, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("firehose subscriber exited with error", "error", err)
			}
		}()
	}

	server := httpserver.NewServer(cfg.Port, feed, changes, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "feed", feed.Key().String(), "rows", feed.RowCount())

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}
	if err := feed.Close(shutdownCtx); err != nil {
		logger.Error("error saving timeline", "error", err)
	}

	return nil
}
