package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

const (
	typeNotFoundPost = "app.bsky.feed.defs#notFoundPost"
	typeBlockedPost  = "app.bsky.feed.defs#blockedPost"
	typeReasonRepost = "app.bsky.feed.defs#reasonRepost"

	typeMentionRule   = "app.bsky.feed.threadgate#mentionRule"
	typeFollowingRule = "app.bsky.feed.threadgate#followingRule"
	typeListRule      = "app.bsky.feed.threadgate#listRule"
)

// GetTimeline fetches a page of the authenticated user's home timeline.
func (c *Client) GetTimeline(ctx context.Context, cursor string, limit int) (*domain.RawPage, error) {
	return c.getFeedPage(ctx, "app.bsky.feed.getTimeline", pageParams(cursor, limit))
}

// GetFeed fetches a page of a custom feed generator.
func (c *Client) GetFeed(ctx context.Context, feedURI, cursor string, limit int) (*domain.RawPage, error) {
	params := pageParams(cursor, limit)
	params.Set("feed", feedURI)
	return c.getFeedPage(ctx, "app.bsky.feed.getFeed", params)
}

// GetAuthorFeed fetches a page of posts and reposts by one account.
func (c *Client) GetAuthorFeed(ctx context.Context, actor, cursor string, limit int) (*domain.RawPage, error) {
	params := pageParams(cursor, limit)
	params.Set("actor", actor)
	return c.getFeedPage(ctx, "app.bsky.feed.getAuthorFeed", params)
}

func pageParams(cursor string, limit int) url.Values {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	return params
}

func (c *Client) getFeedPage(ctx context.Context, nsid string, params url.Values) (*domain.RawPage, error) {
	var resp feedResponse
	if err := c.get(ctx, nsid, params, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", nsid, err)
	}

	page := &domain.RawPage{
		Cursor:  resp.Cursor,
		Entries: make([]domain.RawEntry, 0, len(resp.Feed)),
	}
	for _, item := range resp.Feed {
		if item.Post.URI == "" {
			continue
		}
		page.Entries = append(page.Entries, item.toRawEntry())
	}
	return page, nil
}

type feedResponse struct {
	Feed   []feedViewPost `json:"feed"`
	Cursor string         `json:"cursor"`
}

type feedViewPost struct {
	Post   postView    `json:"post"`
	Reply  *replyView  `json:"reply,omitempty"`
	Reason *reasonView `json:"reason,omitempty"`
}

type replyView struct {
	Root   json.RawMessage `json:"root"`
	Parent json.RawMessage `json:"parent"`
}

type reasonView struct {
	Type      string     `json:"$type"`
	By        authorView `json:"by"`
	IndexedAt time.Time  `json:"indexedAt"`
}

type authorView struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type postRecord struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Reply     *struct {
		Root   strongRef `json:"root"`
		Parent strongRef `json:"parent"`
	} `json:"reply,omitempty"`
}

type viewerState struct {
	Like   string `json:"like,omitempty"`
	Repost string `json:"repost,omitempty"`
}

type threadgateView struct {
	URI    string `json:"uri"`
	Record struct {
		Allow []struct {
			Type string `json:"$type"`
			List string `json:"list,omitempty"`
		} `json:"allow"`
		HiddenReplies []string `json:"hiddenReplies,omitempty"`
	} `json:"record"`
}

type postView struct {
	Type        string          `json:"$type,omitempty"`
	URI         string          `json:"uri"`
	CID         string          `json:"cid"`
	Author      authorView      `json:"author"`
	Record      postRecord      `json:"record"`
	ReplyCount  int             `json:"replyCount"`
	RepostCount int             `json:"repostCount"`
	LikeCount   int             `json:"likeCount"`
	IndexedAt   time.Time       `json:"indexedAt"`
	Viewer      *viewerState    `json:"viewer,omitempty"`
	Threadgate  *threadgateView `json:"threadgate,omitempty"`

	NotFound bool `json:"notFound,omitempty"`
	Blocked  bool `json:"blocked,omitempty"`
}

func (v *postView) toPost() domain.Post {
	p := domain.Post{
		CID:         v.CID,
		URI:         v.URI,
		AuthorDID:   v.Author.DID,
		Text:        v.Record.Text,
		Langs:       v.Record.Langs,
		Timestamp:   v.IndexedAt,
		ReplyCount:  v.ReplyCount,
		RepostCount: v.RepostCount,
		LikeCount:   v.LikeCount,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = v.Record.CreatedAt
	}
	if r := v.Record.Reply; r != nil {
		p.Reply = &domain.ReplyRef{
			RootURI:   r.Root.URI,
			RootCID:   r.Root.CID,
			ParentURI: r.Parent.URI,
			ParentCID: r.Parent.CID,
		}
	}
	if v.Viewer != nil {
		p.LikeURI = v.Viewer.Like
	}
	if g := v.Threadgate; g != nil {
		gate := &domain.Threadgate{URI: g.URI, HiddenReplies: g.Record.HiddenReplies}
		for _, rule := range g.Record.Allow {
			switch rule.Type {
			case typeMentionRule:
				gate.AllowMentions = true
			case typeFollowingRule:
				gate.AllowFollowing = true
			case typeListRule:
				gate.AllowLists = append(gate.AllowLists, rule.List)
			}
		}
		p.Threadgate = gate
	}
	return p
}

func (item *feedViewPost) toRawEntry() domain.RawEntry {
	entry := domain.RawEntry{Post: item.Post.toPost()}

	if r := item.Reason; r != nil && r.Type == typeReasonRepost {
		entry.Post.Kind = domain.KindRepost
		entry.Post.RepostedBy = r.By.DID
		if !r.IndexedAt.IsZero() {
			entry.Post.Timestamp = r.IndexedAt
		}
	}

	if item.Reply != nil {
		var rootCID, parentCID string
		if ref := entry.Post.Reply; ref != nil {
			rootCID, parentCID = ref.RootCID, ref.ParentCID
		}
		entry.Root = decodeReplyPost(item.Reply.Root, rootCID)
		entry.Parent = decodeReplyPost(item.Reply.Parent, parentCID)
	}
	return entry
}

// decodeReplyPost decodes a post of a reply context. Not found and blocked
// posts carry no CID in the view, so the one from the reply reference is
// used.
func decodeReplyPost(raw json.RawMessage, refCID string) *domain.Post {
	if len(raw) == 0 {
		return nil
	}
	var v postView
	if err := json.Unmarshal(raw, &v); err != nil || v.URI == "" {
		return nil
	}

	var p domain.Post
	switch {
	case v.Type == typeNotFoundPost || v.NotFound:
		p = domain.NewNotFound(v.URI)
		p.CID = refCID
	case v.Type == typeBlockedPost || v.Blocked:
		p = domain.NewBlocked(v.URI)
		p.CID = refCID
		p.AuthorDID = v.Author.DID
	default:
		p = v.toPost()
	}
	return &p
}
