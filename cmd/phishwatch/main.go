package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	cli "github.com/urfave/cli/v2"

	"phishwatch/internal/app"
	"phishwatch/internal/config"
	"phishwatch/internal/task/backend"
	"phishwatch/internal/task/scheduler"
	"phishwatch/pkg/logx"
	"phishwatch/pkg/systemd"
)

func main() {
	if err := run(os.Args); err != nil {
		logx.NewConsole("info").Error("phishwatch exited", logx.Err(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	a := cli.App{
		Name:  "phishwatch",
		Usage: "run and cache threat-intelligence computations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (json or yaml)",
				Value:   "./phishwatch.yaml",
				EnvVars: []string{"PHISHWATCH_CONFIG"},
			},
		},
		Commands: []*cli.Command{serveCmd, runCmd, readCmd, schedulesCmd},
	}
	return a.Run(args)
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the scheduler and the HTTP API until SIGINT/SIGTERM",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Usage: "upper bound for graceful shutdown",
			Value: 30 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.NewApp(cctx.String("config"))
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}
		log := a.Logger()
		if _, err := systemd.Ready(); err != nil {
			log.Warn("sd_notify READY failed", logx.Err(err))
		}
		_, _ = systemd.Status(statusLine(a.Scheduler().Snapshot()))
		go func() {
			if err := systemd.Watchdog(ctx); err != nil {
				log.Warn("systemd watchdog stopped", logx.Err(err))
			}
		}()

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}
		_, _ = systemd.Stopping()

		sctx, scancel := context.WithTimeout(context.Background(), cctx.Duration("shutdown-timeout"))
		defer scancel()
		_ = a.Stop(sctx, reason)
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}

var runCmd = &cli.Command{
	Name:      "run",
	Usage:     "invoke one task and print its decoded output",
	ArgsUsage: "<task>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "input",
			Usage: "JSON input document; \"-\" reads stdin",
		},
	},
	Action: func(cctx *cli.Context) error {
		name := cctx.Args().First()
		if name == "" {
			return cli.Exit("usage: phishwatch run <task> [--input JSON|-]", 2)
		}
		a, err := app.NewApp(cctx.String("config"))
		if err != nil {
			return err
		}
		defer a.Stop(context.Background(), app.StopAppStop)

		d, err := a.Registry().Get(name)
		if err != nil {
			return fmt.Errorf("%w (known: %s)", err, strings.Join(a.Registry().Names(), ", "))
		}
		input, err := readInput(cctx.String("input"), cctx.App.Reader)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		out, err := a.Backend().Invoke(ctx, d, input)
		if err != nil {
			if te, ok := backend.AsError(err); ok && len(te.Stderr) > 0 {
				fmt.Fprintf(cctx.App.ErrWriter, "--- stderr ---\n%s\n", te.Stderr)
			}
			return cli.Exit(err.Error(), 1)
		}
		return printJSON(cctx.App.Writer, out)
	},
}

var readCmd = &cli.Command{
	Name:      "read",
	Usage:     "print a cache entry if it is fresher than --ttl",
	ArgsUsage: "<key>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "ttl",
			Usage:    "freshness budget: seconds or a Go duration",
			Required: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		key := cctx.Args().First()
		if key == "" {
			return cli.Exit("usage: phishwatch read <key> --ttl N", 2)
		}
		ttl, err := config.ParseReadTTL("ttl", cctx.String("ttl"))
		if err != nil {
			return err
		}
		a, err := app.NewApp(cctx.String("config"))
		if err != nil {
			return err
		}
		defer a.Stop(context.Background(), app.StopAppStop)

		res, ok, err := a.Reader().Peek(cctx.Context, key, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit(fmt.Sprintf("%s: absent or older than %s", key, ttl), 1)
		}
		fmt.Fprintf(cctx.App.ErrWriter, "written %s (%s ago)\n", res.WrittenAt.Format(time.RFC3339), time.Since(res.WrittenAt).Round(time.Second))
		return printJSON(cctx.App.Writer, res.Value)
	},
}

var schedulesCmd = &cli.Command{
	Name:  "schedules",
	Usage: "print the recurrence table with upcoming fire times",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "next", Usage: "fire times to show per rule", Value: 3},
	},
	Action: func(cctx *cli.Context) error {
		a, err := app.NewApp(cctx.String("config"))
		if err != nil {
			return err
		}
		defer a.Stop(context.Background(), app.StopAppStop)

		snap := a.Scheduler().Snapshot()
		loc, err := time.LoadLocation(snap.Timezone)
		if err != nil {
			loc = time.Local
		}
		now := time.Now()
		tw := tabwriter.NewWriter(cctx.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RULE\tSCHEDULE\tTASKS\tKEY\tNEXT")
		for _, r := range snap.Rules {
			runs, err := scheduler.NextRuns(r.Spec, now, loc, cctx.Int("next"))
			if err != nil {
				return err
			}
			next := make([]string, len(runs))
			for i, t := range runs {
				next[i] = t.Format("2006-01-02 15:04 MST")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Spec, strings.Join(r.Tasks, ","), r.CacheKey, strings.Join(next, ", "))
		}
		return tw.Flush()
	},
}

// readInput returns nil when raw is empty; "-" reads the whole of stdin.
func statusLine(snap scheduler.Snapshot) string {
	if !snap.Enabled {
		return fmt.Sprintf("serving; scheduler disabled (%d rules)", len(snap.Rules))
	}
	return fmt.Sprintf("serving; %d schedules", len(snap.Rules))
}

func readInput(raw string, stdin io.Reader) (any, error) {
	switch raw {
	case "":
		return nil, nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("--input is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printJSON(w io.Writer, v json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, v, "", "  "); err != nil {
		_, err = w.Write(append(v, '\n'))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
