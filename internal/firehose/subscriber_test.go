package firehose

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

const (
	watchedPost = `{"did":"did:plc:alice","time_us":1700000000000001,"kind":"commit","commit":{"rev":"r1","operation":"create","collection":"app.bsky.feed.post","rkey":"3k","cid":"bafy-new","record":{"text":"fresh post","createdAt":"2026-03-01T12:00:00Z","langs":["en"]}}}`
	otherPost   = `{"did":"did:plc:bob","time_us":1700000000000002,"kind":"commit","commit":{"rev":"r2","operation":"create","collection":"app.bsky.feed.post","rkey":"3j","cid":"bafy-other","record":{"text":"not watched"}}}`
	deletePost  = `{"did":"did:plc:alice","time_us":1700000000000003,"kind":"commit","commit":{"rev":"r3","operation":"delete","collection":"app.bsky.feed.post","rkey":"3k"}}`
	identity    = `{"did":"did:plc:alice","time_us":1700000000000004,"kind":"identity","identity":{"handle":"alice.test"}}`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	posts chan *domain.IncomingPost
}

func (n *recordingNotifier) NotifyNewPost(_ context.Context, post *domain.IncomingPost) {
	n.posts <- post
}

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func (m *memCursors) GetCursor(_ context.Context, service string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[service], nil
}

func (m *memCursors) UpdateCursor(_ context.Context, service string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[service] = cursor
	return nil
}

func TestParseEvent(t *testing.T) {
	ev, err := parseEvent([]byte(watchedPost))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000001), ev.TimeUS)
	require.NotNil(t, ev.Commit)
	require.NotNil(t, ev.Commit.Record)
	assert.Equal(t, "fresh post", ev.Commit.Record.Text)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/3k", ev.uri())

	ev, err = parseEvent([]byte(identity))
	require.NoError(t, err)
	assert.Nil(t, ev.Commit)

	ev, err = parseEvent([]byte(deletePost))
	require.NoError(t, err)
	assert.Nil(t, ev.Commit.Record)

	_, err = parseEvent([]byte(`{"kind":"commit"}`))
	assert.Error(t, err)
	_, err = parseEvent([]byte(`not json`))
	assert.Error(t, err)
	_, err = parseEvent([]byte(`{"kind":"commit","commit":{"collection":"app.bsky.feed.post","record":"text"}}`))
	assert.Error(t, err)
}

func TestHandleCommit(t *testing.T) {
	n := &recordingNotifier{posts: make(chan *domain.IncomingPost, 4)}
	s := NewSubscriber("", []string{"did:plc:alice"}, nil, n, testLogger())
	ctx := context.Background()

	for _, msg := range []string{otherPost, deletePost, identity} {
		ev, err := parseEvent([]byte(msg))
		require.NoError(t, err)
		assert.False(t, s.handleCommit(ctx, ev), msg)
	}

	ev, err := parseEvent([]byte(watchedPost))
	require.NoError(t, err)
	require.True(t, s.handleCommit(ctx, ev))

	got := <-n.posts
	assert.Equal(t, &domain.IncomingPost{
		URI:       "at://did:plc:alice/app.bsky.feed.post/3k",
		CID:       "bafy-new",
		AuthorDID: "did:plc:alice",
		Text:      "fresh post",
		Langs:     []string{"en"},
	}, got)
}

func TestBuildURL(t *testing.T) {
	s := NewSubscriber("wss://jetstream.test/subscribe?compress=false", []string{"did:plc:a", "did:plc:b"}, nil, nil, testLogger())

	raw, err := s.buildURL(0)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/subscribe", u.Path)
	assert.Equal(t, []string{"app.bsky.feed.post"}, q["wantedCollections"])
	assert.ElementsMatch(t, []string{"did:plc:a", "did:plc:b"}, q["wantedDids"])
	assert.Equal(t, "false", q.Get("compress"))
	assert.False(t, q.Has("cursor"))

	raw, err = s.buildURL(42)
	require.NoError(t, err)
	assert.Contains(t, raw, "cursor=42")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}

func TestSubscriberStreamsWatchedPosts(t *testing.T) {
	queries := make(chan url.Values, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{identity, otherPost, "garbage", watchedPost, deletePost} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	cursors := &memCursors{cursors: map[string]int64{cursorServiceName: 1699999999999999}}
	n := &recordingNotifier{posts: make(chan *domain.IncomingPost, 4)}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewSubscriber(wsURL, []string{"did:plc:alice"}, cursors, n, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case q := <-queries:
		assert.Equal(t, "1699999999999999", q.Get("cursor"))
		assert.Equal(t, []string{"did:plc:alice"}, q["wantedDids"])
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never connected")
	}

	select {
	case post := <-n.posts:
		assert.Equal(t, "bafy-new", post.CID)
	case <-time.After(5 * time.Second):
		t.Fatal("watched post not reported")
	}

	// The last event's cursor is saved when the server hangs up.
	require.Eventually(t, func() bool {
		c, _ := cursors.GetCursor(ctx, cursorServiceName)
		return c == 1700000000000003
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.Empty(t, n.posts)
}
