// Package overlay keeps the user's local changes to posts (likes, reposts,
// bookmarks, deletions) that the remote feed does not reflect yet, and
// projects them onto rows when they are read.
package overlay

import (
	"sync"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// Change is a local modification of one post.
type Change struct {
	LikeDelta   int `json:"likeDelta,omitempty"`
	RepostDelta int `json:"repostDelta,omitempty"`
	ReplyDelta  int `json:"replyDelta,omitempty"`

	// LikeURI replaces the viewer's like record when set. ClearLike removes
	// it.
	LikeURI   string `json:"likeUri,omitempty"`
	ClearLike bool   `json:"clearLike,omitempty"`

	Bookmarked *bool `json:"bookmarked,omitempty"`
	Deleted    bool  `json:"deleted,omitempty"`
}

// Changes is a thread-safe set of local changes keyed by CID.
type Changes struct {
	mu      sync.RWMutex
	changes map[string]*Change
}

var _ domain.LocalOverlay = (*Changes)(nil)

func New() *Changes {
	return &Changes{changes: make(map[string]*Change)}
}

// Record merges c into the change stored for cid. Deltas add up; the later
// like URI and bookmark flag win.
func (o *Changes) Record(cid string, c Change) {
	if cid == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.changes[cid]
	if !ok {
		cur = &Change{}
		o.changes[cid] = cur
	}
	cur.LikeDelta += c.LikeDelta
	cur.RepostDelta += c.RepostDelta
	cur.ReplyDelta += c.ReplyDelta
	switch {
	case c.ClearLike:
		cur.LikeURI = ""
		cur.ClearLike = true
	case c.LikeURI != "":
		cur.LikeURI = c.LikeURI
		cur.ClearLike = false
	}
	if c.Bookmarked != nil {
		b := *c.Bookmarked
		cur.Bookmarked = &b
	}
	cur.Deleted = cur.Deleted || c.Deleted
}

// Get returns the change stored for cid.
func (o *Changes) Get(cid string) (Change, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.changes[cid]
	if !ok {
		return Change{}, false
	}
	return *c, true
}

// Forget drops the change stored for cid.
func (o *Changes) Forget(cid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.changes, cid)
}

func (o *Changes) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.changes)
}

// Apply returns rows with the local changes projected onto copies of the
// affected posts. rows itself is never modified.
func (o *Changes) Apply(rows []domain.Post) []domain.Post {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.changes) == 0 {
		return rows
	}

	out := make([]domain.Post, len(rows))
	copy(out, rows)
	for i := range out {
		p := &out[i]
		c, ok := o.changes[p.Identity()]
		if !ok {
			continue
		}
		p.LikeCount = max(0, p.LikeCount+c.LikeDelta)
		p.RepostCount = max(0, p.RepostCount+c.RepostDelta)
		p.ReplyCount = max(0, p.ReplyCount+c.ReplyDelta)
		switch {
		case c.ClearLike:
			p.LikeURI = ""
		case c.LikeURI != "":
			p.LikeURI = c.LikeURI
		}
		if c.Bookmarked != nil {
			p.Bookmarked = *c.Bookmarked
		}
		p.Deleted = c.Deleted
	}
	return out
}
