package bluesky

import (
	"context"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// Source selects which remote feed a Pager reads. With neither field set
// the home timeline is read.
type Source struct {
	FeedURI string
	Actor   string
}

// Limits are the page sizes requested per direction.
type Limits struct {
	Forward  int
	Backward int
	Gap      int
}

// DefaultLimits match the page sizes the timeline trims by.
var DefaultLimits = Limits{Forward: 100, Backward: 50, Gap: 100}

type fetcher interface {
	GetTimeline(ctx context.Context, cursor string, limit int) (*domain.RawPage, error)
	GetFeed(ctx context.Context, feedURI, cursor string, limit int) (*domain.RawPage, error)
	GetAuthorFeed(ctx context.Context, actor, cursor string, limit int) (*domain.RawPage, error)
}

// Pager reads one remote feed through a Client.
type Pager struct {
	client fetcher
	source Source
	limits Limits
}

var _ domain.Pager = (*Pager)(nil)

// NewPager creates a Pager. Zero limits fall back to DefaultLimits.
func NewPager(client *Client, source Source, limits Limits) *Pager {
	if limits.Forward <= 0 {
		limits.Forward = DefaultLimits.Forward
	}
	if limits.Backward <= 0 {
		limits.Backward = DefaultLimits.Backward
	}
	if limits.Gap <= 0 {
		limits.Gap = DefaultLimits.Gap
	}
	return &Pager{client: client, source: source, limits: limits}
}

func (p *Pager) FetchForward(ctx context.Context, cursor string) (*domain.RawPage, error) {
	return p.fetch(ctx, cursor, p.limits.Forward)
}

// FetchBackward always reads from the top of the feed; the window finds
// where the page connects.
func (p *Pager) FetchBackward(ctx context.Context, _ string) (*domain.RawPage, error) {
	return p.fetch(ctx, "", p.limits.Backward)
}

func (p *Pager) FetchGap(ctx context.Context, cursor string) (*domain.RawPage, error) {
	return p.fetch(ctx, cursor, p.limits.Gap)
}

func (p *Pager) fetch(ctx context.Context, cursor string, limit int) (*domain.RawPage, error) {
	var (
		page *domain.RawPage
		err  error
	)
	switch {
	case p.source.FeedURI != "":
		page, err = p.client.GetFeed(ctx, p.source.FeedURI, cursor, limit)
	case p.source.Actor != "":
		page, err = p.client.GetAuthorFeed(ctx, p.source.Actor, cursor, limit)
	default:
		page, err = p.client.GetTimeline(ctx, cursor, limit)
	}
	if err != nil {
		return nil, &domain.TransportError{Op: "fetch page", Err: err}
	}
	return page, nil
}
