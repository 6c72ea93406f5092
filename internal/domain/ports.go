package domain

import (
	"context"
	"time"
)

// Pager fetches pages of a remote feed. Each direction has at most one
// outstanding call.
type Pager interface {
	// FetchForward continues toward older posts from cursor. An empty cursor
	// starts at the top of the feed.
	FetchForward(ctx context.Context, cursor string) (*RawPage, error)

	// FetchBackward fetches the newest posts.
	FetchBackward(ctx context.Context, cursor string) (*RawPage, error)

	// FetchGap fetches the posts behind a gap placeholder's cursor.
	FetchGap(ctx context.Context, cursor string) (*RawPage, error)
}

// HideReason explains why a post is kept out of a feed.
type HideReason int

const (
	HideNone HideReason = iota
	HideContentLabel
	HideAuthorMuted
	HideBlocked
	HideNotFound
	HideRepost
	HideReply
	HideLanguage
	HideThreadgate
)

func (r HideReason) String() string {
	switch r {
	case HideNone:
		return "none"
	case HideContentLabel:
		return "content-label"
	case HideAuthorMuted:
		return "author-muted"
	case HideBlocked:
		return "blocked"
	case HideNotFound:
		return "not-found"
	case HideRepost:
		return "repost"
	case HideReply:
		return "reply"
	case HideLanguage:
		return "language"
	case HideThreadgate:
		return "threadgate"
	default:
		return "unknown"
	}
}

// VisibilityFilter decides whether a post must be hidden. Implementations
// must be pure.
type VisibilityFilter interface {
	MustHide(post *Post) (HideReason, string)
}

// MuteMatcher reports whether a post matches the user's muted words.
type MuteMatcher interface {
	Match(post *Post) bool
}

// LocalOverlay projects ephemeral local state onto rows at render time.
// It never changes the rows it is given.
type LocalOverlay interface {
	Apply(rows []Post) []Post
}

// StoredReplay is a persisted replay log blob.
type StoredReplay struct {
	Seq       uint64
	Blob      []byte
	UpdatedAt time.Time
}

// ReplayRepository persists serialized replay logs per feed key.
type ReplayRepository interface {
	// SaveReplay stores blob for key unless a write with a higher or equal
	// seq has already been stored. Reports whether the write was applied.
	SaveReplay(ctx context.Context, key FeedKey, seq uint64, blob []byte) (bool, error)

	// LoadReplay returns the stored replay, or nil when none exists.
	LoadReplay(ctx context.Context, key FeedKey) (*StoredReplay, error)

	// DeleteReplay removes the stored replay for key.
	DeleteReplay(ctx context.Context, key FeedKey) error
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}
