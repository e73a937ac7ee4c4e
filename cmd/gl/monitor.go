package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"guardline/internal/app"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/instrument"
	"guardline/internal/monitor"
	"guardline/internal/repo"
)

func journalCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "journal",
		Short: "Event journal",
		Long:  "Write audits, command results, state transitions and monitor lifecycle events are appended to JSONL segments. These commands only read the files.",
	}
	j.AddCommand(journalTailCmd())
	j.AddCommand(journalFollowCmd())
	j.AddCommand(journalStatsCmd())
	return j
}

func journalTailCmd() *cobra.Command {
	var limit int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				scan := limit
				if evtType != "" {
					scan = 0
				}
				evs, err := events.Tail(rt.JournalDir(), scan)
				if err != nil {
					return err
				}
				if evtType != "" {
					var filtered []domain.Event
					for _, ev := range evs {
						if ev.Type == evtType {
							filtered = append(filtered, ev)
						}
					}
					if limit > 0 && len(filtered) > limit {
						filtered = filtered[len(filtered)-limit:]
					}
					evs = filtered
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Type", "Payload"})
				for _, ev := range evs {
					payload, _ := json.Marshal(ev.Payload)
					tw.AppendRow(table.Row{ev.TimestampUTC, ev.Type, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func journalFollowCmd() *cobra.Command {
	var intervalS float64
	var startAtEnd bool
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print new events as they are written",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				enc := json.NewEncoder(os.Stdout)
				err := events.Follow(ctx, rt.JournalDir(), events.FollowOptions{
					Interval:   time.Duration(intervalS * float64(time.Second)),
					StartAtEnd: startAtEnd,
				}, func(ev domain.Event) error {
					return enc.Encode(ev)
				})
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().Float64Var(&intervalS, "interval-s", 0.5, "poll interval in seconds")
	cmd.Flags().BoolVar(&startAtEnd, "start-at-end", false, "skip events already on disk")
	return cmd
}

func journalStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the journal segments on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				dir := rt.JournalDir()
				files, err := events.ListSegments(dir)
				if err != nil {
					return err
				}
				evs, err := events.Tail(dir, 0)
				if err != nil {
					return err
				}
				byType := map[string]int{}
				for _, ev := range evs {
					byType[ev.Type]++
				}
				out := map[string]any{
					"enabled":  rt.Config.JournalEnabled(),
					"dir":      dir,
					"segments": len(files),
					"events":   len(evs),
					"by_type":  byType,
				}
				if len(files) > 0 {
					out["latest_segment"] = files[len(files)-1]
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func monitorCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "monitor",
		Short: "Trajectory monitor",
		Long:  "The monitor samples the selected signals and specs every interval into a SQLite store. Stage a run name with 'gl monitor config set --run-name' before each run; it is cleared when the run ends.",
	}
	cfg := &cobra.Command{Use: "config", Short: "Staged monitor config"}
	cfg.AddCommand(monitorConfigShowCmd())
	cfg.AddCommand(monitorConfigSetCmd())
	cfg.AddCommand(monitorConfigClearCmd())
	m.AddCommand(cfg)
	m.AddCommand(monitorListCmd("list-signals", "List signal channels", monitor.ListSignals))
	m.AddCommand(monitorListCmd("list-specs", "List spec channels", monitor.ListSpecs))
	m.AddCommand(monitorRunCmd())
	return m
}

func monitorConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the staged monitor config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				cfg, err := monitor.LoadStaged(rt.StagedPath(), rt.MonitorDefaults())
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func monitorConfigSetCmd() *cobra.Command {
	var in monitor.Config
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the staged monitor config",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return withRuntime(false, func(rt *app.Runtime) error {
				cfg, err := monitor.UpdateStaged(rt.StagedPath(), rt.MonitorDefaults(), func(c *monitor.Config) {
					if flags.Changed("run-name") {
						c.RunName = in.RunName
					}
					if flags.Changed("interval-s") {
						c.IntervalS = in.IntervalS
					}
					if flags.Changed("rotate-entries") {
						c.RotateEntries = in.RotateEntries
					}
					if flags.Changed("action-window-s") {
						c.ActionWindowS = in.ActionWindowS
					}
					if flags.Changed("db-directory") {
						c.DBDirectory = in.DBDirectory
					}
					if flags.Changed("db-name") {
						c.DBName = in.DBName
					}
					if flags.Changed("signal") {
						c.SignalLabels = in.SignalLabels
					}
					if flags.Changed("spec") {
						c.SpecLabels = in.SpecLabels
					}
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&in.RunName, "run-name", "", "unique name of the next run")
	cmd.Flags().Float64Var(&in.IntervalS, "interval-s", 0, "sampling interval in seconds")
	cmd.Flags().IntVar(&in.RotateEntries, "rotate-entries", 0, "rows per dense segment")
	cmd.Flags().Float64Var(&in.ActionWindowS, "action-window-s", 0, "signal window around each action in seconds")
	cmd.Flags().StringVar(&in.DBDirectory, "db-directory", "", "trajectory database directory")
	cmd.Flags().StringVar(&in.DBName, "db-name", "", "trajectory database file name")
	cmd.Flags().StringArrayVar(&in.SignalLabels, "signal", nil, "signal label (repeatable, replaces the list)")
	cmd.Flags().StringArrayVar(&in.SpecLabels, "spec", nil, "spec label (repeatable, replaces the list)")
	return cmd
}

func monitorConfigClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Reset the staged monitor config to the defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				if err := monitor.ResetStaged(rt.StagedPath()); err != nil {
					return err
				}
				cfg, err := monitor.LoadStaged(rt.StagedPath(), rt.MonitorDefaults())
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func monitorListCmd(use, short string, list func(instrument.CommandSink) ([]instrument.ParameterSpec, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				params, err := list(rt.Simulator)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(params)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Label", "Name", "Unit", "Type", "Writable"})
				for _, p := range params {
					tw.AppendRow(table.Row{p.Label, p.Name, p.Unit, p.ValueType, p.Writable})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func monitorRunCmd() *cobra.Command {
	var iterations int64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trajectory monitor with the staged config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(true, func(rt *app.Runtime) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				runner := rt.Monitor(iterations)
				runner.CreatedBy = fmt.Sprintf("%s (gl %s)", viper.GetString("actor-id"), app.Version)
				summary, err := runner.Run(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().Int64Var(&iterations, "iterations", 0, "stop after this many ticks (0 runs until interrupted)")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Inferred operator actions",
	}
	a.AddCommand(actionRunsCmd())
	a.AddCommand(actionListCmd())
	a.AddCommand(actionShowCmd())
	return a
}

func actionRunsCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the monitor runs recorded in the trajectory database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(dbPath, func(r repo.Repo, path string) error {
				runs, err := r.ListRuns(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"db_path": path, "items": runs})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Started", "Interval s", "Rotate", "Window s", "Created by"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Name, run.StartedAtUTC, run.IntervalS, run.RotateEntries, run.ActionWindowS, run.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dbPath, "db-path", "", "trajectory database (default from staged config)")
	return cmd
}

func actionListCmd() *cobra.Command {
	var runName, dbPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the actions of a run (latest by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(dbPath, func(r repo.Repo, path string) error {
				run, err := r.ResolveRun(cmd.Context(), runName)
				if err != nil {
					return err
				}
				items, err := r.ListActions(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "db_path": path, "items": items})
				}
				fmt.Printf("run %s (id %d) in %s\n", run.Name, run.ID, path)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Idx", "dt s", "Spec", "Old", "New", "Delta", "Window s"})
				for _, a := range items {
					tw.AppendRow(table.Row{
						a.ActionIdx,
						strconv.FormatFloat(a.DtS, 'f', 3, 64),
						a.SpecLabel,
						a.OldValue,
						a.NewValue,
						optFloat(a.DeltaValue),
						fmt.Sprintf("%.3f..%.3f", a.WindowStartDtS, a.WindowEndDtS),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runName, "run-name", "", "run name")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "trajectory database (default from staged config)")
	return cmd
}

func actionShowCmd() *cobra.Command {
	var runName, dbPath string
	var withWindow bool
	cmd := &cobra.Command{
		Use:   "show <action_idx>",
		Short: "Show one action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid action index %q: %w", args[0], err)
			}
			return withStore(dbPath, func(r repo.Repo, path string) error {
				run, err := r.ResolveRun(cmd.Context(), runName)
				if err != nil {
					return err
				}
				detail, err := r.ActionDetail(cmd.Context(), run.ID, idx, withWindow)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"run":           run,
					"action":        detail.Action,
					"signal_window": detail.Window,
				})
			})
		},
	}
	cmd.Flags().StringVar(&runName, "run-name", "", "run name")
	cmd.Flags().BoolVar(&withWindow, "with-window", false, "include the signal rows inside the action window")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "trajectory database (default from staged config)")
	return cmd
}

func withStore(dbPath string, fn func(repo.Repo, string) error) error {
	if dbPath == "" {
		err := withRuntime(false, func(rt *app.Runtime) error {
			dbPath = stagedDBPath(rt)
			return nil
		})
		if err != nil {
			return err
		}
	}
	conn, r, err := monitor.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(r, dbPath)
}

func stagedDBPath(rt *app.Runtime) string {
	cfg, err := monitor.LoadStaged(rt.StagedPath(), rt.MonitorDefaults())
	if err != nil {
		rt.Logger.Warn("load staged monitor config", "error", err)
		cfg = rt.MonitorDefaults()
	}
	return cfg.DBPath(rt.Workspace)
}
