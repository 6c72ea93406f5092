package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/replay"
	"github.com/blackmichael/bluesky-timeline/internal/sqlite"
)

func seed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timeline.db")
	repo, err := sqlite.NewRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	now := time.Now().Add(-time.Hour)
	page := func(cursor string, ns ...int) domain.Page {
		p := domain.Page{NextCursor: cursor}
		for _, n := range ns {
			p.Entries = append(p.Entries, domain.Post{
				CID:       fmt.Sprintf("cid%d", n),
				URI:       fmt.Sprintf("at://did:plc:alice/app.bsky.feed.post/%d", n),
				Timestamp: now.Add(time.Duration(n) * time.Minute),
			})
		}
		return p
	}

	lg := replay.NewLog()
	lg.RecordAppend(page("c3", 10, 9, 8))
	lg.RecordAppend(page("c6", 7, 6, 5))
	lg.RecordPrepend(page("n1", 15, 14), true, true)

	blob, err := replay.Encode(lg, replay.CompressionZstd)
	require.NoError(t, err)
	_, err = repo.SaveReplay(context.Background(), domain.FeedKey{UserDID: "did:plc:alice", FeedName: "home"}, lg.Seq(), blob)
	require.NoError(t, err)
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, &out)
	return out.String(), err
}

func TestList(t *testing.T) {
	db := seed(t)
	out, err := runCmd(t, "--db", db, "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "USER"))
	assert.Contains(t, lines[1], "did:plc:alice")
	assert.Contains(t, lines[1], "home")
}

func TestListEmpty(t *testing.T) {
	out, err := runCmd(t, "--db", filepath.Join(t.TempDir(), "empty.db"), "list")
	require.NoError(t, err)
	assert.Equal(t, "no replay logs stored\n", out)
}

func TestShow(t *testing.T) {
	db := seed(t)
	out, err := runCmd(t, "--db", db, "-u", "did:plc:alice", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "2 groups, 3 pages")
	assert.Contains(t, out, "gapOpen")
	assert.Contains(t, out, "disc")
}

func TestReplayCommand(t *testing.T) {
	db := seed(t)
	out, err := runCmd(t, "--db", db, "-u", "did:plc:alice", "-n", "3", "replay")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, `9 rows, 1 open gaps, forward cursor "c6"`, lines[0])
	require.Len(t, lines, 5, "summary, header and three rows")
	assert.Contains(t, lines[2], "post/15")
	assert.Contains(t, lines[4], "gap ")
}

func TestDeleteCommand(t *testing.T) {
	db := seed(t)
	out, err := runCmd(t, "--db", db, "--user", "did:plc:alice", "delete")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted replay log")

	_, err = runCmd(t, "--db", db, "--user", "did:plc:alice", "show")
	assert.ErrorContains(t, err, "no replay log stored")
}

func TestRunErrors(t *testing.T) {
	db := seed(t)

	_, err := runCmd(t, "--db", db, "show")
	assert.ErrorContains(t, err, "--user is required")

	_, err = runCmd(t, "--db", db, "compact")
	assert.ErrorContains(t, err, `unknown command "compact"`)

	_, err = runCmd(t, "--db", db)
	assert.ErrorContains(t, err, "expected exactly one command")

	_, err = runCmd(t, "--no-such-flag", "list")
	assert.Error(t, err)
}
