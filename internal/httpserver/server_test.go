package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/overlay"
	"github.com/blackmichael/bluesky-timeline/internal/stitcher"
	"github.com/blackmichael/bluesky-timeline/internal/timeline"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func raw(cursor string, ns ...int) *domain.RawPage {
	p := &domain.RawPage{Cursor: cursor}
	for _, n := range ns {
		p.Entries = append(p.Entries, domain.RawEntry{Post: domain.Post{
			CID:       fmt.Sprintf("cid%d", n),
			URI:       fmt.Sprintf("at://did:plc:alice/app.bsky.feed.post/%d", n),
			AuthorDID: "did:plc:alice",
			Timestamp: base.Add(time.Duration(n) * time.Minute),
		}})
	}
	return p
}

type stubPager struct {
	mu       sync.Mutex
	forward  map[string]*domain.RawPage
	backward []*domain.RawPage
	gaps     map[string]*domain.RawPage
	err      error
	gate     chan struct{}
}

func (p *stubPager) page(ctx context.Context, pick func() (*domain.RawPage, bool), cursor string) (*domain.RawPage, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	page, ok := pick()
	if !ok {
		return nil, fmt.Errorf("no page for cursor %q", cursor)
	}
	return page, nil
}

func (p *stubPager) FetchForward(ctx context.Context, cursor string) (*domain.RawPage, error) {
	return p.page(ctx, func() (*domain.RawPage, bool) {
		page, ok := p.forward[cursor]
		return page, ok
	}, cursor)
}

func (p *stubPager) FetchBackward(ctx context.Context, cursor string) (*domain.RawPage, error) {
	return p.page(ctx, func() (*domain.RawPage, bool) {
		if len(p.backward) == 0 {
			return &domain.RawPage{}, true
		}
		page := p.backward[0]
		p.backward = p.backward[1:]
		return page, true
	}, cursor)
}

func (p *stubPager) FetchGap(ctx context.Context, cursor string) (*domain.RawPage, error) {
	return p.page(ctx, func() (*domain.RawPage, bool) {
		page, ok := p.gaps[cursor]
		return page, ok
	}, cursor)
}

type nopRepo struct{}

func (nopRepo) SaveReplay(context.Context, domain.FeedKey, uint64, []byte) (bool, error) {
	return true, nil
}

func (nopRepo) LoadReplay(context.Context, domain.FeedKey) (*domain.StoredReplay, error) {
	return nil, nil
}

func (nopRepo) DeleteReplay(context.Context, domain.FeedKey) error {
	return nil
}

type testEnv struct {
	pager  *stubPager
	feed   *timeline.Feed
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pager := &stubPager{
		forward: map[string]*domain.RawPage{
			"":   raw("c3", 10, 9, 8),
			"c3": raw("", 7, 6, 5),
		},
		backward: []*domain.RawPage{raw("n1", 15, 14)},
		gaps:     map[string]*domain.RawPage{"n1": raw("n2", 13, 12, 11, 10)},
	}
	changes := overlay.New()
	builder := stitcher.New(nil, nil, stitcher.Options{}, testLogger())
	feed := timeline.New(timeline.Options{
		Key: domain.FeedKey{UserDID: "did:plc:me", FeedName: "home"},
	}, pager, builder, changes, nopRepo{}, testLogger())

	s := NewServer(0, feed, changes, testLogger())
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		feed.Close(context.Background())
	})
	return &testEnv{pager: pager, feed: feed, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestLoadAndReadRows(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/v1/timeline", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	empty := decode[rowsResponse](t, body)
	assert.Empty(t, empty.Rows)
	assert.NotEmpty(t, empty.Generation)

	resp, body = env.do(t, http.MethodPost, "/v1/timeline/next", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, resultResponse{Inserted: 3, RowCount: 3}, decode[resultResponse](t, body))

	resp, body = env.do(t, http.MethodGet, "/v1/timeline?offset=1&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[rowsResponse](t, body)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "cid9", page.Rows[0].CID)
	assert.Equal(t, 1, page.Offset)
	assert.Equal(t, 3, page.RowCount)
	assert.Equal(t, "c3", page.Cursor)
	assert.False(t, page.EndOfFeed)

	resp, _ = env.do(t, http.MethodPost, "/v1/timeline/next", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/v1/timeline/next", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRowsRejectsBadParams(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"limit=0", "limit=501", "limit=x", "offset=-1"} {
		resp, body := env.do(t, http.MethodGet, "/v1/timeline?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.Equal(t, "InvalidRequest", decode[map[string]string](t, body)["error"])
	}
}

func TestGapLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/timeline/next", "")

	resp, body := env.do(t, http.MethodPost, "/v1/timeline/newer", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newer := decode[resultResponse](t, body)
	require.NotZero(t, newer.GapID)
	assert.Equal(t, 2, newer.Inserted)

	gapPath := fmt.Sprintf("/v1/timeline/gaps/%d", newer.GapID)
	resp, body = env.do(t, http.MethodGet, gapPath, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gap := decode[gapResponse](t, body)
	assert.Equal(t, "open", gap.Status)
	require.NotNil(t, gap.Placeholder)
	assert.Equal(t, "n1", gap.Placeholder.GapCursor)

	resp, body = env.do(t, http.MethodPost, gapPath+"/fill", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fill := decode[resultResponse](t, body)
	assert.Zero(t, fill.GapID)
	assert.Equal(t, 3, fill.Inserted)

	resp, body = env.do(t, http.MethodGet, gapPath, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gap = decode[gapResponse](t, body)
	assert.Equal(t, "filled", gap.Status)
	assert.Nil(t, gap.Placeholder)

	resp, _ = env.do(t, http.MethodPost, gapPath+"/fill", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, gapPath, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/v1/timeline/gaps/999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/v1/timeline/gaps/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCloseGapEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/timeline/next", "")
	_, body := env.do(t, http.MethodPost, "/v1/timeline/newer", "")
	newer := decode[resultResponse](t, body)
	require.NotZero(t, newer.GapID)

	resp, _ := env.do(t, http.MethodDelete, fmt.Sprintf("/v1/timeline/gaps/%d", newer.GapID), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 5, env.feed.RowCount())
}

func TestPatchPost(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/timeline/next", "")

	resp, body := env.do(t, http.MethodPatch, "/v1/posts/cid9", `{"likeDelta":1,"likeUri":"at://like","bookmarked":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	merged := decode[overlay.Change](t, body)
	assert.Equal(t, 1, merged.LikeDelta)
	require.NotNil(t, merged.Bookmarked)
	assert.True(t, *merged.Bookmarked)

	_, body = env.do(t, http.MethodGet, "/v1/timeline", "")
	rows := decode[rowsResponse](t, body).Rows
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[1].LikeCount)
	assert.Equal(t, "at://like", rows[1].LikeURI)
	assert.True(t, rows[1].Bookmarked)

	resp, _ = env.do(t, http.MethodPatch, "/v1/posts/cid9", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrim(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/timeline/next", "")
	env.do(t, http.MethodPost, "/v1/timeline/next", "")

	resp, body := env.do(t, http.MethodPost, "/v1/timeline/trim?tail=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trim := decode[trimResponse](t, body)
	assert.Equal(t, 3, trim.Tail.Removed)
	assert.Equal(t, "c3", trim.Tail.Cursor)
	assert.Zero(t, trim.Head.Removed)
	assert.Equal(t, 3, trim.RowCount)

	resp, _ = env.do(t, http.MethodPost, "/v1/timeline/trim?head=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/timeline/next", "")
	gen := env.feed.Generation()

	resp, body := env.do(t, http.MethodPost, "/v1/timeline/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decode[resultResponse](t, body).RowCount)
	assert.NotEqual(t, gen, env.feed.Generation())
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	env.pager.mu.Lock()
	env.pager.err = fmt.Errorf("connection reset")
	env.pager.mu.Unlock()
	resp, body := env.do(t, http.MethodPost, "/v1/timeline/next", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "UpstreamError", decode[map[string]string](t, body)["error"])

	env.pager.mu.Lock()
	env.pager.err = nil
	env.pager.gate = make(chan struct{})
	env.pager.mu.Unlock()

	pending := env.feed.LoadNext(context.Background())
	resp, body = env.do(t, http.MethodPost, "/v1/timeline/newer", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Busy", decode[map[string]string](t, body)["error"])

	close(env.pager.gate)
	_, err := pending.Wait(context.Background())
	require.NoError(t, err)

	require.NoError(t, env.feed.Close(context.Background()))
	resp, body = env.do(t, http.MethodPost, "/v1/timeline/next", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Closed", decode[map[string]string](t, body)["error"])
}

func TestChangeStream(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/timeline/changes"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// The subscription is registered after the upgrade, so keep prepending
	// fresh pages until the stream reports one.
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	done := make(chan struct{})
	defer close(done)
	go func() {
		for n := 100; time.Now().Before(deadline); n += 2 {
			select {
			case <-done:
				return
			default:
			}
			env.pager.mu.Lock()
			env.pager.backward = append(env.pager.backward, raw(fmt.Sprintf("n%d", n), n+1, n))
			env.pager.mu.Unlock()
			env.feed.LoadNewer(context.Background()).Wait(context.Background())
			time.Sleep(20 * time.Millisecond)
		}
	}()

	var msg changeMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "inserted", msg.Kind)
	assert.LessOrEqual(t, msg.Start, msg.End)
	assert.Equal(t, env.feed.Generation(), msg.Generation)
}
