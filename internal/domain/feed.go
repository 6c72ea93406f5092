package domain

// RawEntry is a single item of a remote feed response. Root and Parent are
// the reply context the server attached to it, if any.
type RawEntry struct {
	Post   Post
	Root   *Post
	Parent *Post
}

// RawPage is the response of one feed fetch before page construction.
type RawPage struct {
	Entries []RawEntry

	// Cursor continues the fetch in the same direction. Empty means the
	// remote feed has nothing further.
	Cursor string

	// Continuous is set by pagers that know the page reaches the content
	// loaded before it.
	Continuous bool
}

// Page is a constructed batch of posts ready to be integrated into a feed
// window. Once integrated it is shared with the replay log and must not be
// modified.
type Page struct {
	Entries    []Post `cbor:"entries"`
	NextCursor string `cbor:"cursor,omitempty"`
	Continuous bool   `cbor:"continuous,omitempty"`
}

// Empty reports whether the page has no entries.
func (p *Page) Empty() bool {
	return len(p.Entries) == 0
}

// FeedKey identifies a persisted feed: one user, one feed.
type FeedKey struct {
	UserDID  string
	FeedName string
}

func (k FeedKey) String() string {
	return k.UserDID + "/" + k.FeedName
}
