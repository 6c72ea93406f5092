package bluesky

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

type fakeFetcher struct {
	calls []string
	err   error
}

func (f *fakeFetcher) record(call string) (*domain.RawPage, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RawPage{Cursor: "next"}, nil
}

func (f *fakeFetcher) GetTimeline(_ context.Context, cursor string, limit int) (*domain.RawPage, error) {
	return f.record(fmt.Sprintf("timeline cursor=%q limit=%d", cursor, limit))
}

func (f *fakeFetcher) GetFeed(_ context.Context, feedURI, cursor string, limit int) (*domain.RawPage, error) {
	return f.record(fmt.Sprintf("feed %s cursor=%q limit=%d", feedURI, cursor, limit))
}

func (f *fakeFetcher) GetAuthorFeed(_ context.Context, actor, cursor string, limit int) (*domain.RawPage, error) {
	return f.record(fmt.Sprintf("author %s cursor=%q limit=%d", actor, cursor, limit))
}

func TestPagerDirections(t *testing.T) {
	f := &fakeFetcher{}
	p := &Pager{client: f, limits: Limits{Forward: 100, Backward: 50, Gap: 30}}
	ctx := context.Background()

	_, err := p.FetchForward(ctx, "c1")
	require.NoError(t, err)
	_, err = p.FetchBackward(ctx, "ignored")
	require.NoError(t, err)
	_, err = p.FetchGap(ctx, "g1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		`timeline cursor="c1" limit=100`,
		`timeline cursor="" limit=50`,
		`timeline cursor="g1" limit=30`,
	}, f.calls)
}

func TestPagerSource(t *testing.T) {
	ctx := context.Background()

	f := &fakeFetcher{}
	p := &Pager{client: f, source: Source{FeedURI: "at://feed", Actor: "alice.test"}, limits: DefaultLimits}
	_, err := p.FetchForward(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{`feed at://feed cursor="" limit=100`}, f.calls)

	f = &fakeFetcher{}
	p = &Pager{client: f, source: Source{Actor: "alice.test"}, limits: DefaultLimits}
	_, err = p.FetchGap(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{`author alice.test cursor="g" limit=100`}, f.calls)
}

func TestPagerWrapsTransportErrors(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	p := &Pager{client: &fakeFetcher{err: cause}, limits: DefaultLimits}

	_, err := p.FetchForward(context.Background(), "")
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, cause)
}

func TestNewPagerDefaults(t *testing.T) {
	p := NewPager(NewClient(""), Source{}, Limits{Backward: 20})
	assert.Equal(t, Limits{Forward: 100, Backward: 20, Gap: 100}, p.limits)
}
