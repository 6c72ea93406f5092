// Command replaydump inspects the replay logs persisted by the timeline
// server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	"github.com/blackmichael/bluesky-timeline/internal/replay"
	"github.com/blackmichael/bluesky-timeline/internal/sqlite"
	"github.com/blackmichael/bluesky-timeline/internal/window"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	dbPath   string
	userDID  string
	feedName string
	limit    int
}

func run(args []string, out io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("replaydump", pflag.ContinueOnError)
	flagSet.StringVar(&opts.dbPath, "db", envOrDefault("TIMELINE_DB_PATH", "timeline.db"), "sqlite database holding the replay logs")
	flagSet.StringVarP(&opts.userDID, "user", "u", "", "DID of the user owning the feed")
	flagSet.StringVarP(&opts.feedName, "feed", "f", envOrDefault("TIMELINE_FEED_NAME", "home"), "feed name")
	flagSet.IntVarP(&opts.limit, "rows", "n", 50, "rows to print for the replay command (0 prints all)")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) != 1 {
		printHelp(flagSet)
		return fmt.Errorf("expected exactly one command")
	}

	repo, err := sqlite.NewRepository(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	ctx := context.Background()
	switch rest[0] {
	case "list":
		return list(ctx, repo, out)
	case "show":
		return show(ctx, repo, opts, out)
	case "replay":
		return replayRows(ctx, repo, opts, out)
	case "delete":
		return deleteReplay(ctx, repo, opts, out)
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `replaydump inspects persisted timeline replay logs.

Usage:
  replaydump [flags] list
  replaydump [flags] --user DID show
  replaydump [flags] --user DID replay
  replaydump [flags] --user DID delete

Flags:
%s`, flagSet.FlagUsages())
}

func list(ctx context.Context, repo *sqlite.Repository, out io.Writer) error {
	infos, err := repo.ListReplays(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "no replay logs stored")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tFEED\tSEQ\tSIZE\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			info.Key.UserDID, info.Key.FeedName, info.Seq,
			humanize.Bytes(uint64(info.Size)), humanize.Time(info.UpdatedAt))
	}
	return tw.Flush()
}

func load(ctx context.Context, repo *sqlite.Repository, opts options) (*replay.Log, *domain.StoredReplay, error) {
	if opts.userDID == "" {
		return nil, nil, fmt.Errorf("--user is required")
	}
	key := domain.FeedKey{UserDID: opts.userDID, FeedName: opts.feedName}
	stored, err := repo.LoadReplay(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		return nil, nil, fmt.Errorf("no replay log stored for %s", key)
	}
	lg, err := replay.Decode(stored.Blob)
	if err != nil {
		return nil, nil, err
	}
	return lg, stored, nil
}

func show(ctx context.Context, repo *sqlite.Repository, opts options, out io.Writer) error {
	lg, stored, err := load(ctx, repo, opts)
	if err != nil {
		return err
	}

	groups := lg.Groups()
	fmt.Fprintf(out, "seq %d, %s, saved %s, %d groups, %d pages\n",
		stored.Seq, humanize.Bytes(uint64(len(stored.Blob))), humanize.Time(stored.UpdatedAt),
		len(groups), lg.PageCount())

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tPAGE\tENTRIES\tNEWEST\tOLDEST\tFLAGS\tCURSOR")
	for gi, g := range groups {
		for pi, e := range g.Pages {
			var flags string
			if e.Discontinuous {
				flags += "disc "
			}
			if pi == 0 && g.HeadTrim > 0 {
				flags += fmt.Sprintf("headTrim=%d ", g.HeadTrim)
			}
			if pi == len(g.Pages)-1 && g.GapOpen {
				flags += "gapOpen"
			}
			newest, oldest := pageSpan(e.Page)
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
				gi, pi, len(e.Page.Entries), newest, oldest, flags, e.Page.NextCursor)
		}
	}
	return tw.Flush()
}

func pageSpan(p domain.Page) (string, string) {
	if p.Empty() {
		return "-", "-"
	}
	first, last := p.Entries[0].Timestamp, p.Entries[len(p.Entries)-1].Timestamp
	return humanize.Time(first), humanize.Time(last)
}

func replayRows(ctx context.Context, repo *sqlite.Repository, opts options, out io.Writer) error {
	lg, _, err := load(ctx, repo, opts)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	w := window.New(logger, nil)
	if err := lg.Replay(w); err != nil {
		return err
	}

	limit := opts.limit
	if limit <= 0 {
		limit = w.RowCount()
	}
	fmt.Fprintf(out, "%d rows, %d open gaps, forward cursor %q\n", w.RowCount(), w.OpenGaps(), w.LastForwardCursor())

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tKIND\tROLE\tAGE\tURI\tCURSOR")
	for i, p := range w.Rows(0, limit) {
		cursor, _ := w.CursorAt(i)
		ident := p.URI
		if p.IsGap() {
			ident = fmt.Sprintf("gap %d", p.GapID)
		}
		age := "-"
		if !p.Timestamp.IsZero() {
			age = humanize.Time(p.Timestamp)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i, p.Kind, p.ThreadRole, age, ident, cursor)
	}
	return tw.Flush()
}

func deleteReplay(ctx context.Context, repo *sqlite.Repository, opts options, out io.Writer) error {
	if opts.userDID == "" {
		return fmt.Errorf("--user is required")
	}
	key := domain.FeedKey{UserDID: opts.userDID, FeedName: opts.feedName}
	if err := repo.DeleteReplay(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted replay log for %s\n", key)
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
