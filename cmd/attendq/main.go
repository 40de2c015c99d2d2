package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/CharanSaiVaddi/attendq/internal/app"
	"github.com/CharanSaiVaddi/attendq/internal/config"
	"github.com/CharanSaiVaddi/attendq/internal/outbox"
	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

type rootOpts struct {
	ConfigPath string
	Debug      bool
	Verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts rootOpts

	rootCmd := &cobra.Command{
		Use:   "attendq",
		Short: "Attendance terminal delivery queues",
		Long: `attendq runs the terminal's interactive job queue and the durable outboxes
that deliver clockings, employee updates and enquiry acknowledgements to the
server, and provides tools to inspect and override them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "path to the JSON config file")
	rootCmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "output maximum logging verbosity (debug level)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "output additional logging verbosity (info level)")
	rootCmd.MarkFlagsMutuallyExclusive("debug", "verbose")

	makeLogger := func() *slog.Logger {
		switch {
		case opts.Debug:
			return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug}))
		case opts.Verbose:
			return slog.New(tint.NewHandler(os.Stderr, nil))
		default:
			return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
		}
	}

	loadConfig := func() (*config.Config, error) {
		return config.Load(opts.ConfigPath)
	}

	// withApp builds the application without starting its workers.
	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, makeLogger())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a)
	}

	lookupOutbox := func(a *app.App, name string) (*outbox.Outbox, error) {
		for _, ob := range []*outbox.Outbox{a.Clockings, a.EmployeeUpdates, a.Enquiries} {
			if ob.Name() == name {
				return ob, nil
			}
		}
		return nil, fmt.Errorf("no outbox named %q (want clockings, employee_updates or enquiries)", name)
	}

	// run
	{
		cmd := &cobra.Command{
			Use:   "run",
			Short: "Run the job queue, every outbox worker and the status API",
			Long: `Run starts the interactive job queue and one worker per outbox, publishes
health on the configured schedule and serves the status API until interrupted.
Unsent rows stay queued across restarts.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				logger := makeLogger()
				a, err := app.New(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()

				logger.InfoContext(ctx, "attendq: running",
					slog.String("db_path", cfg.DBPath),
					slog.String("status_addr", cfg.StatusAddr),
				)
				return a.Run(ctx)
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// status
	{
		cmd := &cobra.Command{
			Use:   "status",
			Short: "Print health and counters of every queue",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					out := cmd.OutOrStdout()
					for _, st := range a.Health.Snapshot() {
						state := "healthy"
						if !st.Healthy {
							state = "UNHEALTHY"
						}
						fmt.Fprintf(out, "%-18s %s\n", st.Name, state)
						for _, d := range st.Details {
							fmt.Fprintf(out, "  %-16s %s\n", d.Label, d.Value)
						}
					}
					for _, ob := range []*outbox.Outbox{a.Clockings, a.EmployeeUpdates, a.Enquiries} {
						total, err := ob.Count(ctx)
						if err != nil {
							return err
						}
						ts, err := ob.Timestamps(ctx)
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "%s: %s rows, %s unsent, oldest unsent %s, newest sent %s\n",
							ob.Name(),
							humanize.Comma(int64(total)),
							humanize.Comma(int64(ob.NumberUnsent())),
							humanTime(ts.OldestUnsent),
							humanTime(ts.NewestSent),
						)
					}
					return nil
				})
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// rows
	{
		var (
			sent  string
			limit int
		)
		cmd := &cobra.Command{
			Use:   "rows <outbox>",
			Short: "List rows of an outbox, oldest first",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				filter := storage.FilterAll
				switch sent {
				case "":
				case "true":
					filter = storage.FilterSent
				case "false":
					filter = storage.FilterUnsent
				default:
					return fmt.Errorf("--sent must be true or false")
				}
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					ob, err := lookupOutbox(a, args[0])
					if err != nil {
						return err
					}
					rows, err := ob.Rows(ctx, filter, limit)
					if err != nil {
						return err
					}
					for _, row := range rows {
						fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\tsent=%t\t%s\t%s\n",
							row.ID, row.UUID, row.Sent, row.CreatedAt.Format(time.RFC3339), row.Payload)
					}
					return nil
				})
			},
		}
		cmd.Flags().StringVar(&sent, "sent", "", "only sent (true) or unsent (false) rows")
		cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to list")
		rootCmd.AddCommand(cmd)
	}

	// insert
	{
		cmd := &cobra.Command{
			Use:   "insert <outbox> <payload>",
			Short: "Queue a raw payload into an outbox",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					ob, err := lookupOutbox(a, args[0])
					if err != nil {
						return err
					}
					row, err := ob.Insert(ctx, []byte(args[1]))
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "queued row %d (%s)\n", row.ID, row.UUID)
					return nil
				})
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// mark-sent and mark-unsent
	addOverride := func(use, short, flag string, fn func(ob *outbox.Outbox, ctx context.Context, cutoff time.Time) (int64, error)) {
		var cutoff string
		cmd := &cobra.Command{
			Use:   use + " <outbox>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				at, err := time.Parse(time.RFC3339, cutoff)
				if err != nil {
					return fmt.Errorf("--%s must be an RFC 3339 time: %w", flag, err)
				}
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					ob, err := lookupOutbox(a, args[0])
					if err != nil {
						return err
					}
					n, err := fn(ob, ctx, at)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s rows changed, %s unsent\n",
						ob.Name(), humanize.Comma(n), humanize.Comma(int64(ob.NumberUnsent())))
					return nil
				})
			},
		}
		cmd.Flags().StringVar(&cutoff, flag, "", "cutoff time (RFC 3339)")
		_ = cmd.MarkFlagRequired(flag)
		rootCmd.AddCommand(cmd)
	}
	addOverride("mark-sent", "Force unsent rows created at or before a time to sent", "before", (*outbox.Outbox).MarkSentToDate)
	addOverride("mark-unsent", "Reset sent rows created at or after a time so they're delivered again", "after", (*outbox.Outbox).MarkUnsentAfter)

	// config
	{
		cmd := &cobra.Command{
			Use:   "config",
			Short: "Show or change the config file",
		}
		cmd.AddCommand(&cobra.Command{
			Use:   "get",
			Short: "Print the effective config",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				b, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			},
		})
		cmd.AddCommand(&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set one key, e.g. clockings.max-level 5000",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				// environment overrides stay out of the saved file
				cfg, err := config.LoadFile(opts.ConfigPath)
				if err != nil {
					return err
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := cfg.Save(opts.ConfigPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "config saved")
				return nil
			},
		})
		rootCmd.AddCommand(cmd)
	}

	return rootCmd
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
