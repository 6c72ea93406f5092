package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func TestRecordMerges(t *testing.T) {
	o := New()
	o.Record("cid1", Change{LikeDelta: 1, LikeURI: "at://like/1"})
	o.Record("cid1", Change{LikeDelta: 1, RepostDelta: 1, Bookmarked: boolPtr(true)})
	o.Record("cid1", Change{Bookmarked: boolPtr(false)})
	o.Record("", Change{LikeDelta: 5})

	c, ok := o.Get("cid1")
	require.True(t, ok)
	assert.Equal(t, 2, c.LikeDelta)
	assert.Equal(t, 1, c.RepostDelta)
	assert.Equal(t, "at://like/1", c.LikeURI)
	require.NotNil(t, c.Bookmarked)
	assert.False(t, *c.Bookmarked)
	assert.Equal(t, 1, o.Len())

	o.Record("cid1", Change{LikeDelta: -1, ClearLike: true})
	c, _ = o.Get("cid1")
	assert.Equal(t, 1, c.LikeDelta)
	assert.Empty(t, c.LikeURI)
	assert.True(t, c.ClearLike)

	o.Record("cid1", Change{LikeURI: "at://like/2"})
	c, _ = o.Get("cid1")
	assert.Equal(t, "at://like/2", c.LikeURI)
	assert.False(t, c.ClearLike)
}

func TestGetReturnsCopy(t *testing.T) {
	o := New()
	o.Record("cid1", Change{LikeDelta: 1})
	c, _ := o.Get("cid1")
	c.LikeDelta = 10

	c, _ = o.Get("cid1")
	assert.Equal(t, 1, c.LikeDelta)
}

func TestApply(t *testing.T) {
	o := New()
	rows := []domain.Post{
		{CID: "cid1", LikeCount: 0, LikeURI: "at://like/old"},
		{CID: "cid2", RepostCount: 3, ReplyCount: 1},
		{Kind: domain.KindGap, GapID: 1},
	}

	assert.Equal(t, rows, o.Apply(rows), "no changes returns rows unchanged")

	o.Record("cid1", Change{LikeDelta: -1, ClearLike: true, Bookmarked: boolPtr(true)})
	o.Record("cid2", Change{RepostDelta: 1, ReplyDelta: 2, Deleted: true})

	out := o.Apply(rows)
	require.Len(t, out, 3)
	assert.Equal(t, 0, out[0].LikeCount, "counts never go negative")
	assert.Empty(t, out[0].LikeURI)
	assert.True(t, out[0].Bookmarked)
	assert.Equal(t, 4, out[1].RepostCount)
	assert.Equal(t, 3, out[1].ReplyCount)
	assert.True(t, out[1].Deleted)
	assert.Equal(t, rows[2], out[2])

	assert.Equal(t, "at://like/old", rows[0].LikeURI, "input rows are not modified")
	assert.False(t, rows[1].Deleted)
}

func TestForget(t *testing.T) {
	o := New()
	o.Record("cid1", Change{LikeDelta: 1})
	o.Forget("cid1")

	_, ok := o.Get("cid1")
	assert.False(t, ok)
	assert.Zero(t, o.Len())
}
