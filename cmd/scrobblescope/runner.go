package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/justestif/go-scrobblescope/internal/config"
	"github.com/justestif/go-scrobblescope/internal/jobs"
	"github.com/justestif/go-scrobblescope/internal/logging"
	"github.com/justestif/go-scrobblescope/internal/web"
)

// pollInterval is how often top checks its job's progress.
const pollInterval = 250 * time.Millisecond

// Runner holds the dependencies shared by every command.
type Runner struct {
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *log.Logger

	// transport is the network round tripper under the cache and rate
	// limiters; nil means http.DefaultTransport.
	transport http.RoundTripper
}

func newRunner(out, errOut io.Writer) *Runner {
	return &Runner{out: out, errOut: errOut}
}

func newApp(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "scrobblescope",
		Usage:   "Rank a Last.fm user's top albums of a year using Spotify metadata",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML configuration file",
				Sources: cli.EnvVars(config.PathEnvVar),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides the config file",
			},
		},
		Before: r.setup,
		Commands: []*cli.Command{
			serveCommand(r),
			topCommand(r),
			versionCommand(r),
		},
	}
}

// setup loads the configuration and builds the logger.
func (r *Runner) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return ctx, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	r.cfg = cfg
	r.logger = logging.New(r.errOut, cfg.Log.Level)
	return ctx, nil
}

func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the JSON HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address; overrides server.addr",
			},
		},
		Action: r.Serve,
	}
}

func topCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Compute one user's top albums and print them",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Last.fm user name", Required: true},
			&cli.IntFlag{Name: "year", Aliases: []string{"y"}, Usage: "Listening year", Value: time.Now().Year()},
			&cli.StringFlag{Name: "sort-by", Usage: "playcount or playtime", Value: "playcount"},
			&cli.StringFlag{Name: "release-scope", Usage: "same, previous, decade, custom or all", Value: "same"},
			&cli.StringFlag{Name: "decade", Usage: "Decade for --release-scope=decade, e.g. 1990s"},
			&cli.IntFlag{Name: "release-year", Usage: "Year for --release-scope=custom"},
			&cli.IntFlag{Name: "min-plays", Usage: "Minimum album plays", Value: jobs.DefaultMinPlays},
			&cli.IntFlag{Name: "min-tracks", Usage: "Minimum distinct tracks played", Value: jobs.DefaultMinTracks},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Rows to print, 0 for all", Value: 25},
			&cli.BoolFlag{Name: "json", Usage: "Print the full result as JSON"},
		},
		Action: r.Top,
	}
}

func versionCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintf(r.out, "scrobblescope %s\n", version)
			return err
		},
	}
}

// Serve runs the HTTP API until the context is cancelled.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	p, err := newPipeline(r.cfg, r.transport, r.logger)
	if err != nil {
		return err
	}
	defer p.Close()

	serverCfg := r.cfg.Server
	if addr := cmd.String("addr"); addr != "" {
		serverCfg.Addr = addr
	}
	return web.NewServer(serverCfg, p.manager, r.logger).Run(ctx)
}

// Top runs one job to completion and prints its result.
func (r *Runner) Top(ctx context.Context, cmd *cli.Command) error {
	p, err := newPipeline(r.cfg, r.transport, r.logger, jobs.WithWorkers(1))
	if err != nil {
		return err
	}
	defer p.Close()

	params := jobs.Params{
		User:         cmd.String("user"),
		Year:         cmd.Int("year"),
		SortMode:     cmd.String("sort-by"),
		ReleaseScope: cmd.String("release-scope"),
		Decade:       cmd.String("decade"),
		CustomYear:   cmd.Int("release-year"),
		MinPlays:     cmd.Int("min-plays"),
		MinTracks:    cmd.Int("min-tracks"),
	}

	handle, err := p.manager.Start(ctx, params)
	if err != nil {
		return err
	}

	status, err := r.wait(ctx, p.manager, handle)
	if err != nil {
		return err
	}
	if status.State != jobs.StateDone {
		return errors.New(strings.TrimPrefix(status.Message, "Error: "))
	}

	res, err := p.manager.Result(params)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return r.printResult(res, cmd.Int("limit"))
}

// wait polls the job until it stops, logging each new milestone.
func (r *Runner) wait(ctx context.Context, m *jobs.Manager, h jobs.Handle) (jobs.Status, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := -1
	for {
		status, err := m.Status(h)
		if err != nil {
			return jobs.Status{}, err
		}
		if status.Progress != last {
			r.logger.Info(status.Message, "progress", status.Progress)
			last = status.Progress
		}
		if status.State.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			_ = m.Cancel(h)
			return jobs.Status{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) printResult(res *jobs.Result, limit int) error {
	switch res.Empty {
	case jobs.EmptyNoCandidates:
		_, err := fmt.Fprintln(r.out, "No albums met the play thresholds.")
		return err
	case jobs.EmptyNoMatches:
		_, err := fmt.Fprintf(r.out, "Albums were found but none matched the filter (%s). %d unmatched.\n",
			res.FilterDescription, res.Unmatched.Count)
		return err
	}

	albums := res.Albums
	if limit > 0 && len(albums) > limit {
		albums = albums[:limit]
	}

	rows := make([][]string, 0, len(albums))
	for i, a := range albums {
		rows = append(rows, []string{
			fmt.Sprint(i + 1),
			a.Artist,
			a.Album,
			fmt.Sprint(a.PlayCount),
			a.PlayTime,
			fmt.Sprint(a.DistinctTracks),
			a.ReleaseDate,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("#", "Artist", "Album", "Plays", "Time", "Tracks", "Released").
		Rows(rows...)

	_, err := fmt.Fprintf(r.out, "Top %s (%d scrobbles, %d unmatched)\n%s\n",
		res.FilterDescription, res.TotalScrobbles, res.Unmatched.Count, t.Render())
	return err
}
