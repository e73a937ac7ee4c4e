package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"guardline/internal/app"
	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/policy"
	"guardline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Guardline CLI",
	Long: `Guardline puts a safety layer between operators and a scanning tunnelling microscope.
Core concepts:
- Policy: per-channel limits (range, max step, slew, cooldown, ramp interval) from guardline.yml; writes are off and dry-run is on until the file says otherwise.
- Plan: the ordered steps a write takes from the current value to the target; 'gl set --plan-only' shows it without touching the instrument.
- Audit: every step and every blocked request is recorded and sent to the journal.
- Journal: append-only JSONL segments under artifacts/journal; 'gl journal tail' reads them.
- Monitor: samples signals and specs at a fixed interval into a SQLite store and infers operator actions from spec changes.
- Staged config: 'gl monitor config set --run-name' must come before every 'gl monitor run'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GUARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "settings file (default <workspace>/guardline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(rampCmd())
	rootCmd.AddCommand(rampFieldsCmd())
	rootCmd.AddCommand(capabilitiesCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect settings",
		Long:  "Settings live in guardline.yml: the simulated instrument parameters, the safety limits, the journal and the monitor defaults. GUARDLINE_* variables override a few of them.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Write policy"}
	pol.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active write policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				rules := rt.Rules.Current()
				if viper.GetBool("json") {
					limits := make([]domain.ChannelLimits, 0, len(rules.Limits))
					for _, ch := range rules.Channels() {
						limits = append(limits, rules.Limits[ch])
					}
					return printJSON(map[string]any{
						"allow_writes":            rules.AllowWrites,
						"dry_run":                 rules.DryRun,
						"default_ramp_interval_s": rules.DefaultRampInterval.Seconds(),
						"limits":                  limits,
					})
				}
				fmt.Printf("allow_writes=%t dry_run=%t default_ramp_interval_s=%g\n", rules.AllowWrites, rules.DryRun, rules.DefaultRampInterval.Seconds())
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Channel", "Min", "Max", "Max step", "Slew/s", "Cooldown s", "Interval s", "Ramp", "Confirm"})
				for _, ch := range rules.Channels() {
					l := rules.Limits[ch]
					tw.AppendRow(table.Row{ch, optFloat(l.Min), optFloat(l.Max), optFloat(l.MaxStep), optFloat(l.MaxSlewPerSecond), optFloat(l.CooldownS), optFloat(l.RampIntervalS), l.RampEnabled, l.RequireConfirmation})
				}
				tw.Render()
				return nil
			})
		},
	})
	return pol
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <channel>...",
		Short: "Read current instrument values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				values, err := rt.Sink.Read(cmd.Context(), args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(values)
				}
				for _, ch := range args {
					fmt.Printf("%s=%v\n", ch, values[ch])
				}
				return nil
			})
		},
	}
	return cmd
}

type writeFlags struct {
	intervalS float64
	planOnly  bool
	dryRun    bool
	confirm   bool
	reason    string
}

func (f *writeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.intervalS, "interval-s", 0, "seconds between steps (default from policy)")
	cmd.Flags().BoolVar(&f.planOnly, "plan-only", false, "print the plan without executing it")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "audit the plan without writing")
	cmd.Flags().BoolVar(&f.confirm, "confirm", false, "confirm writes to channels that require it")
	cmd.Flags().StringVar(&f.reason, "reason", "", "reason recorded in the audit trail")
}

func (f *writeFlags) interval() time.Duration {
	return time.Duration(f.intervalS * float64(time.Second))
}

func (f *writeFlags) reasonWithActor() string {
	actor := viper.GetString("actor-id")
	if f.reason == "" {
		return actor
	}
	return actor + ": " + f.reason
}

func setCmd() *cobra.Command {
	var f writeFlags
	cmd := &cobra.Command{
		Use:   "set <channel> <value>",
		Short: "Plan and execute a guarded write",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			req := policy.WriteRequest{
				Channel:   args[0],
				Target:    target,
				Interval:  f.interval(),
				Confirmed: f.confirm,
				Reason:    f.reasonWithActor(),
			}
			return withPromptRuntime(!f.planOnly, func(rt *app.Runtime) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if f.planOnly {
					plan, err := rt.Engine.PlanWrite(ctx, req)
					if err != nil {
						return err
					}
					return printPlan(plan, nil)
				}
				plan, report, err := rt.Engine.Set(ctx, req, f.dryRun)
				if plan.Channel != "" {
					if perr := printPlan(plan, &report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func rampCmd() *cobra.Command {
	var f writeFlags
	cmd := &cobra.Command{
		Use:   "ramp <channel> <start> <end> <step>",
		Short: "Plan and execute an explicit ramp",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums := make([]float64, 3)
			for i, raw := range args[1:] {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("invalid number %q: %w", raw, err)
				}
				nums[i] = v
			}
			req := policy.RampRequest{
				Channel:   args[0],
				Start:     nums[0],
				End:       nums[1],
				Step:      nums[2],
				Interval:  f.interval(),
				Confirmed: f.confirm,
				Reason:    f.reasonWithActor(),
			}
			return withPromptRuntime(!f.planOnly, func(rt *app.Runtime) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if f.planOnly {
					plan, err := rt.Engine.PlanRamp(ctx, req)
					if err != nil {
						return err
					}
					return printPlan(plan, nil)
				}
				plan, report, err := rt.Engine.Ramp(ctx, req, f.dryRun)
				if plan.Channel != "" {
					if perr := printPlan(plan, &report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func rampFieldsCmd() *cobra.Command {
	var f writeFlags
	var fields, fixed []string
	cmd := &cobra.Command{
		Use:   "ramp-fields <command>",
		Short: "Ramp several arguments of one instrument command together",
		Example: `  gl ramp-fields Scan.FrameSet --field scan_frame_center_x_m=0:2e-8:1e-8:0.1 \
    --field scan_frame_center_y_m=0:1e-8:1e-8 --fixed scan_frame_angle_deg=0 --plan-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ramps := make([]policy.FieldRamp, 0, len(fields))
			for _, raw := range fields {
				r, err := parseFieldRamp(raw, f.interval())
				if err != nil {
					return err
				}
				ramps = append(ramps, r)
			}
			if len(ramps) == 0 {
				return fmt.Errorf("at least one --field is required")
			}
			held := map[string]float64{}
			for _, raw := range fixed {
				name, val, ok := strings.Cut(raw, "=")
				if !ok {
					return fmt.Errorf("invalid --fixed %q: want name=value", raw)
				}
				v, err := strconv.ParseFloat(val, 64)
				if err != nil {
					return fmt.Errorf("invalid --fixed %q: %w", raw, err)
				}
				held[name] = v
			}
			return withPromptRuntime(!f.planOnly, func(rt *app.Runtime) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if f.planOnly {
					sched, err := rt.Engine.PlanFields(ctx, args[0], ramps, held, f.confirm)
					if err != nil {
						return err
					}
					return printSchedule(sched, nil)
				}
				sched, report, err := rt.Engine.RampFields(ctx, args[0], ramps, held, f.confirm, f.dryRun)
				if len(sched.Ticks) > 0 {
					if perr := printSchedule(sched, &report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringArrayVar(&fields, "field", nil, "ramping field as name=start:end:step[:interval_s] (repeatable)")
	cmd.Flags().StringArrayVar(&fixed, "fixed", nil, "held field as name=value (repeatable)")
	return cmd
}

// parseFieldRamp reads name=start:end:step[:interval_s]; def applies when
// the interval is omitted.
func parseFieldRamp(raw string, def time.Duration) (policy.FieldRamp, error) {
	name, spec, ok := strings.Cut(raw, "=")
	if !ok || name == "" {
		return policy.FieldRamp{}, fmt.Errorf("invalid --field %q: want name=start:end:step[:interval_s]", raw)
	}
	parts := strings.Split(spec, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return policy.FieldRamp{}, fmt.Errorf("invalid --field %q: want name=start:end:step[:interval_s]", raw)
	}
	nums := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return policy.FieldRamp{}, fmt.Errorf("invalid --field %q: %w", raw, err)
		}
		nums[i] = v
	}
	r := policy.FieldRamp{Field: name, Start: nums[0], End: nums[1], Step: nums[2], Interval: def}
	if len(nums) == 4 {
		r.Interval = time.Duration(nums[3] * float64(time.Second))
	}
	return r, nil
}

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List readable and writable parameters with their limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(false, func(rt *app.Runtime) error {
				caps := rt.Engine.Capabilities()
				if viper.GetBool("json") {
					return printJSON(caps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Label", "Unit", "Command", "Read", "Write", "Guarded", "Min", "Max", "Max step", "Ramp", "Confirm"})
				for _, c := range caps {
					minV, maxV, step := "-", "-", "-"
					if c.Limits != nil {
						minV, maxV, step = optFloat(c.Limits.Min), optFloat(c.Limits.Max), optFloat(c.Limits.MaxStep)
					}
					tw.AppendRow(table.Row{c.Name, c.Label, c.Unit, c.Command, c.Readable, c.Writable, c.Guarded, minV, maxV, step, c.RampEnabled, c.RequireConfirmation})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(true, func(rt *app.Runtime) error {
				authCfg := server.AuthConfig{JWTSecret: rt.Config.Server.JWTSecret, Logger: rt.Logger}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GUARDLINE_JWT_SECRET is required for bearer auth")
				}
				if !cmd.Flags().Changed("addr") && rt.Config.Server.Addr != "" {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && rt.Config.Server.BasePath != "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:       rt.Engine,
					Rules:        rt.Rules,
					Journal:      rt.Journal,
					JournalDir:   rt.JournalDir(),
					TrajectoryDB: func() string { return stagedDBPath(rt) },
					Metrics:      rt.Metrics.Handler(),
					BasePath:     basePath,
					Auth:         authCfg,
					Logger:       rt.Logger.With("component", "server"),
				})
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				hup := make(chan os.Signal, 1)
				signal.Notify(hup, syscall.SIGHUP)
				defer signal.Stop(hup)
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-hup:
							if err := rt.Reload(); err != nil {
								rt.Logger.Error("reload failed", "error", err)
							}
						}
					}
				}()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Guardline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var write bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			var perms []string
			if write {
				perms = append(perms, server.PermissionWrite)
			}
			now := time.Now()
			tok, err := server.IssueToken(cfg.Server.JWTSecret, subject, perms, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default --actor-id)")
	cmd.Flags().BoolVar(&write, "write", false, "grant the instrument.write permission")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func withRuntime(journal bool, fn func(*app.Runtime) error) error {
	return openRuntime(journal, nil, fn)
}

// withPromptRuntime is withRuntime for interactive writes: channels that
// require confirmation ask on the terminal when --confirm is absent.
func withPromptRuntime(journal bool, fn func(*app.Runtime) error) error {
	return openRuntime(journal, promptConfirm, fn)
}

func openRuntime(journal bool, confirm func(string, float64, float64, string) bool, fn func(*app.Runtime) error) error {
	rt, err := app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Journal:    journal,
		Logger:     app.NewLogger(os.Stderr, viper.GetBool("verbose")),
		Confirm:    confirm,
	})
	if err != nil {
		return err
	}
	runErr := fn(rt)
	return errors.Join(runErr, rt.Close())
}

func promptConfirm(channel string, current, target float64, reason string) bool {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	fmt.Fprintf(os.Stderr, "Write %s from %g to %g (%s)? [y/N] ", channel, current, target, reason)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func printPlan(plan domain.WritePlan, report *engine.ExecutionReport) error {
	if viper.GetBool("json") {
		if report == nil {
			return printJSON(plan)
		}
		return printJSON(map[string]any{"plan": plan, "report": report})
	}
	fmt.Printf("%s %s: %g -> %g in %d steps every %gs", plan.Operation, plan.Channel, plan.CurrentValue, plan.TargetValue, len(plan.Steps), plan.IntervalS)
	if plan.IntervalRaised {
		fmt.Printf(" (raised from %gs by slew limit)", plan.RequestedIntervalS)
	}
	fmt.Println()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if report == nil {
		tw.AppendHeader(table.Row{"Step", "Value"})
		for i, v := range plan.Steps {
			tw.AppendRow(table.Row{i, v})
		}
		tw.Render()
		return nil
	}
	tw.AppendHeader(table.Row{"Step", "Value", "Outcome", "Timestamp"})
	for _, e := range report.Entries {
		tw.AppendRow(table.Row{e.StepIndex, optFloat(e.RequestedValue), e.Outcome, e.Timestamp})
	}
	tw.Render()
	switch {
	case report.Failed:
		fmt.Printf("failed after %d of %d steps: %s\n", report.AppliedSteps, report.AttemptedSteps, report.Error)
	case report.DryRun:
		fmt.Println("dry run: nothing was written")
	default:
		fmt.Printf("final value %g\n", report.FinalValue)
	}
	return nil
}

func printSchedule(sched policy.Schedule, report *engine.ScheduleReport) error {
	if viper.GetBool("json") {
		if report == nil {
			return printJSON(sched)
		}
		return printJSON(map[string]any{"schedule": sched, "report": report})
	}
	fmt.Printf("%s: %d ticks over %s\n", sched.Command, len(sched.Ticks), strings.Join(sched.Fields, ", "))
	for field := range sched.Raised {
		fmt.Printf("interval of %s raised by slew limit\n", field)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	header := table.Row{"Tick", "Offset s"}
	for _, field := range sched.Fields {
		header = append(header, field)
	}
	tw.AppendHeader(header)
	for i, tick := range sched.Ticks {
		row := table.Row{i, tick.Offset.Seconds()}
		for _, field := range sched.Fields {
			row = append(row, tick.Values[field])
		}
		tw.AppendRow(row)
	}
	tw.Render()
	if report == nil {
		return nil
	}
	switch {
	case report.Failed:
		fmt.Printf("failed after %d of %d ticks: %s\n", report.AppliedTicks, report.Ticks, report.Error)
	case report.DryRun:
		fmt.Println("dry run: nothing was written")
	default:
		fmt.Printf("applied %d ticks\n", report.AppliedTicks)
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}
