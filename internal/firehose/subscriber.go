// Package firehose watches the Jetstream firehose for new posts by a set of
// accounts and reports them so the timeline can refresh early.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

const (
	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second
	reconnectDelay     = 5 * time.Second
	statsInterval      = 30 * time.Second
)

// Notifier is told about posts created by watched accounts.
type Notifier interface {
	NotifyNewPost(ctx context.Context, post *domain.IncomingPost)
}

// Subscriber connects to the Jetstream firehose and processes events.
type Subscriber struct {
	url      string
	watched  map[string]struct{}
	cursors  domain.CursorRepository
	notifier Notifier
	logger   *slog.Logger
}

// NewSubscriber creates a new firehose subscriber for posts by watchDIDs.
func NewSubscriber(
	firehoseURL string,
	watchDIDs []string,
	cursors domain.CursorRepository,
	notifier Notifier,
	logger *slog.Logger,
) *Subscriber {
	watched := make(map[string]struct{}, len(watchDIDs))
	for _, did := range watchDIDs {
		watched[did] = struct{}{}
	}
	return &Subscriber{
		url:      firehoseURL,
		watched:  watched,
		cursors:  cursors,
		notifier: notifier,
		logger:   logger,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		if err := s.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("firehose connection error, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	q.Add("wantedCollections", postCollection)
	for did := range s.watched {
		q.Add("wantedDids", did)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.cursors.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
	}

	wsURL, err := s.buildURL(cursor)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to firehose", "url", wsURL, "watched", len(s.watched))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to firehose")

	var (
		latestCursor   int64
		eventsReceived int64
		postsNotified  int64
		lastCursorSave = time.Now()
		lastStatsLog   = time.Now()
	)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.saveCursor(ctx, latestCursor)
			return fmt.Errorf("read message: %w", err)
		}

		ev, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		latestCursor = ev.TimeUS

		if s.handleCommit(ctx, ev) {
			postsNotified++
		}

		if time.Since(lastStatsLog) >= statsInterval {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"posts_notified", postsNotified,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval && s.saveCursor(ctx, latestCursor) {
			lastCursorSave = time.Now()
		}
	}
}

func (s *Subscriber) saveCursor(ctx context.Context, cursor int64) bool {
	if cursor == 0 {
		return false
	}
	if err := s.cursors.UpdateCursor(context.WithoutCancel(ctx), cursorServiceName, cursor); err != nil {
		s.logger.Error("failed to save cursor", "error", err)
		return false
	}
	return true
}

// handleCommit reports post creates by watched accounts to the notifier.
func (s *Subscriber) handleCommit(ctx context.Context, ev *event) bool {
	c := ev.Commit
	if c == nil || c.Collection != postCollection || c.Operation != "create" || c.Record == nil {
		return false
	}
	if _, ok := s.watched[ev.DID]; !ok {
		return false
	}

	incoming := &domain.IncomingPost{
		URI:       ev.uri(),
		CID:       c.CID,
		AuthorDID: ev.DID,
		Text:      c.Record.Text,
		Langs:     c.Record.Langs,
	}
	s.logger.Debug("watched account posted", "uri", incoming.URI, "text_preview", truncate(incoming.Text, 100))
	s.notifier.NotifyNewPost(ctx, incoming)
	return true
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
