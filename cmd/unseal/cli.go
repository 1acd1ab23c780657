package main

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/consensus"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/feed"
	"github.com/hpungsan/unseal/internal/metrics"
	"github.com/hpungsan/unseal/internal/ops"
	"github.com/hpungsan/unseal/internal/relay"
	"github.com/hpungsan/unseal/internal/retry"
	"github.com/hpungsan/unseal/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(database *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.App {
	app := &cli.App{
		Name:    "unseal",
		Usage:   "Time capsules and the Ethereum/Cardano bridge relay",
		Version: Version,
		Commands: []*cli.Command{
			relayCmd(database, cfg, log),
			capsuleCmd(database, cfg),
			triggerCmd(database, cfg, log),
			voteCmd(database, cfg, log),
			groupsCmd(database),
			transferCmd(database, cfg, log),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// relayCmd runs the bridge relay daemon until SIGINT/SIGTERM.
func relayCmd(database *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run the bridge relay: watch both chains, drive transfers, resolve due triggers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve /metrics, /healthz and the status API here (overrides metrics_addr)"},
			&cli.IntFlag{Name: "workers", Usage: "Transfers driven concurrently (overrides relay_workers)"},
		},
		Action: func(c *cli.Context) error {
			if addr := c.String("metrics-addr"); addr != "" {
				cfg.MetricsAddr = addr
			}
			if w := c.Int("workers"); w > 0 {
				cfg.RelayWorkers = w
			}
			if err := cfg.ValidateRelay(); err != nil {
				return cli.Exit(fmt.Sprintf("invalid relay config: %v", err), 1)
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, database, cfg, log)
		},
	}
}

// runRelay wires the relay and its status server and runs both until ctx ends.
func runRelay(ctx context.Context, database *sql.DB, cfg *config.Config, log zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewPrometheusCollector(registry)

	n, err := newNode(database, cfg, log, collector)
	if err != nil {
		return err
	}
	defer n.Close()

	r := relay.New(relay.Options{
		Coordinator: n.coord,
		Triggers:    n.triggers,
		Consensus:   n.consensus,
		Dispatcher:  feed.NewDispatcher(n.coord, log, collector),
		Sources:     n.sources,
		Cursors:     db.NewCursorStore(database),
		Workers:     cfg.RelayWorkers,
		Interval:    cfg.RelayInterval(),
		Logger:      log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	if cfg.MetricsAddr != "" {
		srv := web.NewServer(web.Options{
			Addr:        cfg.MetricsAddr,
			DB:          database,
			Coordinator: n.coord,
			Registry:    registry,
			Version:     Version,
			Logger:      log,
		})
		g.Go(func() error { return web.Run(gctx, srv, log) })
	}
	return g.Wait()
}

// capsuleCmd groups the capsule subcommands.
func capsuleCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "capsule",
		Usage: "Create and fetch capsules",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Seal a capsule (reads content from stdin)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Aliases: []string{"o"}, Required: true, Usage: "Owner user id"},
					&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Value: "time", Usage: "Trigger kind: time|event|consensus"},
					&cli.Int64Flag{Name: "unlock-at", Usage: "Unix seconds to unseal at (time triggers)"},
					&cli.StringFlag{Name: "conditions", Usage: "Trigger conditions as a JSON object"},
					&cli.StringFlag{Name: "recipients", Aliases: []string{"r"}, Usage: "Comma-separated recipient ids"},
					&cli.IntFlag{Name: "threshold", Usage: "Approvals needed (consensus triggers)"},
					&cli.StringFlag{Name: "content-type", Value: "text", Usage: "text|audio|video"},
				},
				Action: func(c *cli.Context) error {
					if !stdinHasData() {
						return outputError(errors.NewInvalidRequest("content must be piped via stdin"))
					}
					content, err := io.ReadAll(os.Stdin)
					if err != nil {
						return outputError(errors.NewInternal(err))
					}

					conditions := json.RawMessage(c.String("conditions"))
					if at := c.Int64("unlock-at"); at > 0 {
						if len(conditions) > 0 {
							return outputError(errors.NewInvalidRequest("--unlock-at and --conditions are mutually exclusive"))
						}
						conditions = json.RawMessage(fmt.Sprintf(`{"unlock_at": %d}`, at))
					}

					output, err := ops.CreateCapsule(c.Context, database, cfg, ops.CreateCapsuleInput{
						OwnerID:     c.String("owner"),
						Content:     content,
						ContentType: capsule.ContentType(c.String("content-type")),
						Recipients:  splitList(c.String("recipients")),
						TriggerKind: capsule.TriggerKind(c.String("kind")),
						Conditions:  conditions,
						Threshold:   c.Int("threshold"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:      "fetch",
				Usage:     "Fetch a capsule by id; content is shown once unsealed",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "raw", Usage: "Write unsealed content to stdout instead of JSON"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return outputError(errors.NewInvalidRequest("capsule id is required"))
					}
					output, err := ops.FetchCapsule(c.Context, database, c.Args().First())
					if err != nil {
						return outputError(err)
					}
					if c.Bool("raw") {
						if output.Status != capsule.StatusUnsealed {
							return outputError(errors.NewInvalidRequest("capsule is still sealed"))
						}
						_, err := os.Stdout.Write(output.Content)
						return err
					}
					return outputJSON(output)
				},
			},
		},
	}
}

// triggerCmd groups the trigger subcommands.
func triggerCmd(database *sql.DB, _ *config.Config, log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "Resolve or update capsule triggers",
		Subcommands: []*cli.Command{
			{
				Name:      "resolve",
				Usage:     "Resolve an open trigger",
				ArgsUsage: "<trigger_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "outcome", Value: "completed", Usage: "completed|failed"},
					&cli.StringFlag{Name: "evidence", Usage: "Evidence as a JSON object"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return outputError(errors.NewInvalidRequest("trigger id is required"))
					}
					m := ops.NewTriggerMachine(database, log, nil)
					output, err := m.Resolve(c.Context, c.Args().First(),
						capsule.TriggerStatus(c.String("outcome")), rawJSON(c.String("evidence")))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:      "update",
				Usage:     "Move a trigger to a new status",
				ArgsUsage: "<trigger_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Required: true, Usage: "pending|active|completed|failed"},
					&cli.StringFlag{Name: "evidence", Usage: "Evidence as a JSON object"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return outputError(errors.NewInvalidRequest("trigger id is required"))
					}
					m := ops.NewTriggerMachine(database, log, nil)
					output, err := m.UpdateStatus(c.Context, c.Args().First(),
						capsule.TriggerStatus(c.String("status")), rawJSON(c.String("evidence")))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
		},
	}
}

// voteCmd casts a consensus vote.
func voteCmd(database *sql.DB, _ *config.Config, log zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "vote",
		Usage:     "Cast a member's vote in a consensus group",
		ArgsUsage: "<group_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "Voting member"},
			&cli.StringFlag{Name: "vote", Value: "approved", Usage: "approved|rejected"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("group id is required"))
			}
			triggers := ops.NewTriggerMachine(database, log, nil)
			engine := ops.NewConsensusEngine(database, triggers, log, nil)
			output, err := engine.CastVote(c.Context, c.Args().First(), c.String("user"), consensus.Vote(c.String("vote")))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// groupsCmd lists a user's voting groups.
func groupsCmd(database *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "groups",
		Usage: "List the consensus groups a user belongs to",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "User id"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.ListGroupsForUser(c.Context, database, c.String("user"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"groups": output})
		},
	}
}

// transferCmd groups the transfer inspection subcommands. They only read or
// fail transfers, so no chain adapter is wired.
func transferCmd(database *sql.DB, cfg *config.Config, log zerolog.Logger) *cli.Command {
	coordinator := func() *ops.Coordinator {
		return ops.NewCoordinator(database, chain.Registry{}, ops.CoordinatorOptions{
			Retry:                retry.FromConfig(cfg),
			MaxFinalityChecks:    cfg.MaxFinalityChecks,
			MaxDestinationChecks: cfg.MaxDestinationChecks,
			Logger:               log,
		})
	}

	return &cli.Command{
		Name:  "transfer",
		Usage: "Inspect bridge transfers",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List transfers, least recently updated first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Comma-separated statuses"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Max results"},
					&cli.IntFlag{Name: "offset", Value: 0, Usage: "Pagination offset"},
				},
				Action: func(c *cli.Context) error {
					var statuses []bridge.Status
					for _, s := range splitList(c.String("status")) {
						statuses = append(statuses, bridge.Status(s))
					}
					output, err := coordinator().ListTransfers(c.Context, statuses, c.Int("limit"), c.Int("offset"))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:      "get",
				Usage:     "Show one transfer",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return outputError(errors.NewInvalidRequest("transfer id is required"))
					}
					output, err := coordinator().GetTransfer(c.Context, c.Args().First())
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
			{
				Name:      "fail",
				Usage:     "Fail a stuck transfer",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Required: true, Usage: "Failure reason recorded on the transfer"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return outputError(errors.NewInvalidRequest("transfer id is required"))
					}
					output, err := coordinator().Fail(c.Context, c.Args().First(), c.String("reason"))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(output)
				},
			},
		},
	}
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var uErr *errors.UnsealError
	if stderrors.As(err, &uErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", uErr.Code, uErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// rawJSON returns nil for an empty flag so stored evidence is kept.
func rawJSON(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.RawMessage(s)
}
