package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the entries a feed window can hold.
type Kind uint8

const (
	KindNormal Kind = iota
	KindRepost
	KindNotFound
	KindBlocked
	KindGap
	KindHiddenReplies
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindRepost:
		return "repost"
	case KindNotFound:
		return "not-found"
	case KindBlocked:
		return "blocked"
	case KindGap:
		return "gap"
	case KindHiddenReplies:
		return "hidden-replies"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// IsPlaceholder reports whether entries of this kind are synthesized
// locally and carry no content id.
func (k Kind) IsPlaceholder() bool {
	return k == KindGap || k == KindHiddenReplies
}

// ThreadRole is a bitset describing where a post sits in a stitched thread.
type ThreadRole uint8

const (
	RoleTop ThreadRole = 1 << iota
	RoleParent
	RoleEntry
	RoleFirstDirectChild
	RoleDirectChild
	RoleChild
	RoleLeaf
)

var roleNames = []struct {
	role ThreadRole
	name string
}{
	{RoleTop, "top"},
	{RoleParent, "parent"},
	{RoleEntry, "entry"},
	{RoleFirstDirectChild, "firstDirectChild"},
	{RoleDirectChild, "directChild"},
	{RoleChild, "child"},
	{RoleLeaf, "leaf"},
}

// Has reports whether every bit of f is set.
func (r ThreadRole) Has(f ThreadRole) bool {
	return f != 0 && r&f == f
}

func (r ThreadRole) String() string {
	if r == 0 {
		return "none"
	}
	var names []string
	for _, rn := range roleNames {
		if r&rn.role != 0 {
			names = append(names, rn.name)
		}
	}
	return strings.Join(names, "|")
}

// Fold marks posts hidden inside a long stitched thread.
type Fold uint8

const (
	FoldNone Fold = iota
	FoldFirst
	FoldSubsequent
)

// ReplyRef points at the root and direct parent of a reply.
type ReplyRef struct {
	RootURI   string `cbor:"ru,omitempty" json:"rootUri,omitempty"`
	RootCID   string `cbor:"rc,omitempty" json:"rootCid,omitempty"`
	ParentURI string `cbor:"pu,omitempty" json:"parentUri,omitempty"`
	ParentCID string `cbor:"pc,omitempty" json:"parentCid,omitempty"`
}

// Threadgate holds the reply restrictions of a thread root.
type Threadgate struct {
	URI            string   `cbor:"uri,omitempty" json:"uri,omitempty"`
	AllowMentions  bool     `cbor:"am,omitempty" json:"allowMentions,omitempty"`
	AllowFollowing bool     `cbor:"af,omitempty" json:"allowFollowing,omitempty"`
	AllowLists     []string `cbor:"al,omitempty" json:"allowLists,omitempty"`
	HiddenReplies  []string `cbor:"hr,omitempty" json:"hiddenReplies,omitempty"`
}

// Hides reports whether uri is one of the replies hidden by the root author.
func (g *Threadgate) Hides(uri string) bool {
	if g == nil {
		return false
	}
	for _, h := range g.HiddenReplies {
		if h == uri {
			return true
		}
	}
	return false
}

// Post is one row of a feed. Posts are passed by value; the pointer fields
// are shared and must be treated as read-only.
type Post struct {
	// CID is the content id of this post version. Empty for placeholders.
	CID string `cbor:"cid,omitempty" json:"cid,omitempty"`

	// URI is the AT-URI of the post record.
	URI string `cbor:"uri,omitempty" json:"uri,omitempty"`

	AuthorDID string   `cbor:"author,omitempty" json:"author,omitempty"`
	Text      string   `cbor:"text,omitempty" json:"text,omitempty"`
	Langs     []string `cbor:"langs,omitempty" json:"langs,omitempty"`

	// Timestamp orders the entry in the remote feed. For reposts it is
	// the repost time.
	Timestamp time.Time `cbor:"ts" json:"timestamp"`

	Kind       Kind       `cbor:"kind,omitempty" json:"kind"`
	ThreadRole ThreadRole `cbor:"role,omitempty" json:"threadRole,omitempty"`
	Fold       Fold       `cbor:"fold,omitempty" json:"fold,omitempty"`

	Reply      *ReplyRef   `cbor:"reply,omitempty" json:"reply,omitempty"`
	Threadgate *Threadgate `cbor:"gate,omitempty" json:"threadgate,omitempty"`

	// RepostedBy is the DID of the reposting account for KindRepost.
	RepostedBy string `cbor:"rb,omitempty" json:"repostedBy,omitempty"`

	ReplyCount  int `cbor:"nrp,omitempty" json:"replyCount"`
	RepostCount int `cbor:"nrt,omitempty" json:"repostCount"`
	LikeCount   int `cbor:"nlk,omitempty" json:"likeCount"`

	// LikeURI is the viewer's like record, if any.
	LikeURI    string `cbor:"like,omitempty" json:"likeUri,omitempty"`
	Bookmarked bool   `cbor:"-" json:"bookmarked,omitempty"`
	Deleted    bool   `cbor:"-" json:"deleted,omitempty"`

	// GapID and GapCursor are only set on KindGap placeholders.
	GapID     int    `cbor:"-" json:"gapId,omitempty"`
	GapCursor string `cbor:"-" json:"gapCursor,omitempty"`

	EndOfFeed bool `cbor:"-" json:"endOfFeed,omitempty"`
}

// NewGap creates the placeholder row for an open gap.
func NewGap(id int, cursor string) Post {
	return Post{Kind: KindGap, GapID: id, GapCursor: cursor}
}

// NewNotFound creates an entry for a referenced post that no longer exists.
func NewNotFound(uri string) Post {
	return Post{URI: uri, Kind: KindNotFound}
}

// NewBlocked creates an entry for a referenced post that cannot be shown
// because of a block.
func NewBlocked(uri string) Post {
	return Post{URI: uri, Kind: KindBlocked}
}

// IsReply reports whether the post carries a reply reference.
func (p *Post) IsReply() bool {
	return p.Reply != nil && p.Reply.ParentURI != ""
}

// IsGap reports whether the post is a gap placeholder.
func (p *Post) IsGap() bool {
	return p.Kind == KindGap
}

// Identity is the key used for deduplication. Placeholders have none.
func (p *Post) Identity() string {
	if p.Kind.IsPlaceholder() {
		return ""
	}
	return p.CID
}

// IncomingPost is a post announced on the firehose. It only carries what is
// needed to decide whether the timeline should refresh.
type IncomingPost struct {
	URI       string
	CID       string
	AuthorDID string
	Text      string
	Langs     []string
}
