package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"claimline/internal/app"
	"claimline/internal/config"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/engine/auth"
	"claimline/internal/migrate"
	"claimline/internal/repo"
	"claimline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "claimline CLI",
	Long: `claimline hands out work units to workers, recycles claims that time out,
and applies audit verdicts once per round.
- Lineage: a task family with its own round clock and the unit variants it serves.
- Units: documentation, bug_finder and feature_todo units are claimed by workers; feature_issue
  units are reserved by a leader and gated on their predecessor.
- Claims: a worker claims a unit, submits a pull request as proof, then binds it to an audit round.
- Reconcile: the round's verdict approves or rejects bound claims, exactly once per round.
- Event log: every change is recorded, view it with 'cl log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLAIMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/claimline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(unitsCmd())
	rootCmd.AddCommand(verdictCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(claimantsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(logCmd())
}

func appOptions() app.Options {
	return app.Options{
		Workspace:   viper.GetString("workspace"),
		ConfigPath:  viper.GetString("config"),
		GitHubToken: viper.GetString("github-token"),
		LogLevel:    viper.GetString("log-level"),
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noBackground bool
	var notifyTypes []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with background sweep and reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, appOptions())
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: a.Log.Named("auth")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CLAIMLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noBackground {
				stopCron, err := a.StartBackground(ctx)
				if err != nil {
					return err
				}
				defer stopCron()
			}
			relay, err := a.Relay(notifyTypes)
			if err != nil {
				return err
			}
			go relay.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			schema, err := migrate.Version(ctx, a.DB)
			if err != nil {
				return err
			}
			a.Log.Info("serving claimline API", zap.String("addr", addr), zap.String("base_path", basePath), zap.Int("schema_version", schema))
			fmt.Printf("Serving claimline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noBackground, "no-background", false, "disable periodic sweep and reconciliation")
	cmd.Flags().StringArrayVar(&notifyTypes, "notify", []string{"bounty.*", "round.*"}, "event types to publish (repeatable, * suffix matches a prefix)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage claimline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if viper.GetBool("json") {
				out := map[string]any{"valid": err == nil, "path": path}
				if err != nil {
					out["error"] = err.Error()
				} else {
					out["lineages"] = len(cfg.Lineages)
				}
				if perr := printJSON(out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d lineages)\n", path, len(cfg.Lineages))
			return nil
		},
	}
}

func unitsCmd() *cobra.Command {
	units := &cobra.Command{
		Use:   "units",
		Short: "Manage work units",
	}
	units.AddCommand(unitsSyncCmd())
	units.AddCommand(unitsListCmd())
	units.AddCommand(unitsShowCmd())
	return units
}

// unitFile is the format read by units sync, YAML or JSON.
type unitFile struct {
	Units []engine.UnitSpec `yaml:"units" json:"units"`
}

func unitsSyncCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Create the units listed in a file; existing ids are left alone",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var f unitFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SyncUnits(ctx, f.Units, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("created %d, existing %d\n", len(res.Created), len(res.Existing))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "units file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func unitsListCmd() *cobra.Command {
	var f repo.UnitFilters
	var variant string
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work units",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Variant = domain.Variant(variant)
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.Status(s))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListUnits(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Variant", "Status", "Title", "Claimant", "Round", "Attempts"})
				for _, u := range items {
					round := ""
					if u.RoundNumber != nil {
						round = fmt.Sprint(*u.RoundNumber)
					}
					tw.AppendRow(table.Row{u.ID, u.Variant, u.Status, u.Title, shortKey(deref(u.ClaimantKey)), round, u.AttemptCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "variant filter")
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&f.BountyID, "bounty", "", "bounty id filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent issue id filter")
	cmd.Flags().StringVar(&f.LineageID, "lineage", "", "lineage filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func unitsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a unit with its claim history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.GetUnit(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("%s [%s] %s\n", u.ID, u.Variant, u.Status)
				if u.Title != "" {
					fmt.Println(u.Title)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Claimant", "GitHub", "PR", "Round", "Approved", "Claimed"})
				for _, as := range u.Assignments {
					round, approved := "", ""
					if as.RoundNumber != nil {
						round = fmt.Sprint(*as.RoundNumber)
					}
					if as.Approved != nil {
						approved = fmt.Sprint(*as.Approved)
					}
					tw.AppendRow(table.Row{shortKey(as.ClaimantKey), deref(as.GithubUsername), deref(as.PRURL), round, approved, as.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func verdictCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "verdict",
		Short: "Manage round verdicts",
	}
	var lineage string
	var round int64
	var positive, negative []string
	record := &cobra.Command{
		Use:   "record",
		Short: "Record the distribution result of a round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RecordVerdict(ctx, domain.Verdict{LineageID: lineage, Round: round, Positive: positive, Negative: negative})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	record.Flags().StringVar(&lineage, "lineage", "", "lineage id")
	record.Flags().Int64Var(&round, "round", 0, "round number")
	record.Flags().StringArrayVar(&positive, "positive", nil, "approved claimant key (repeatable)")
	record.Flags().StringArrayVar(&negative, "negative", nil, "rejected claimant key (repeatable)")
	_ = record.MarkFlagRequired("lineage")
	_ = record.MarkFlagRequired("round")
	v.AddCommand(record)
	return v
}

func reconcileCmd() *cobra.Command {
	var lineage string
	var round int64
	var pending bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply a round's verdict, or every pending round with --pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if pending {
					results, err := a.Engine.ReconcilePending(ctx, lineage, actor)
					if perr := printJSONOrTable(results); perr != nil {
						return perr
					}
					return err
				}
				if !cmd.Flags().Changed("round") {
					return fmt.Errorf("--round or --pending required")
				}
				res, err := a.Engine.ReconcileRound(ctx, lineage, round, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&lineage, "lineage", "", "lineage id")
	cmd.Flags().Int64Var(&round, "round", 0, "round number")
	cmd.Flags().BoolVar(&pending, "pending", false, "reconcile every round with a verdict and no completed ledger")
	_ = cmd.MarkFlagRequired("lineage")
	return cmd
}

func sweepCmd() *cobra.Command {
	var lineage string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close units that used up their attempts and expire stale reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Sweep(ctx, lineage)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&lineage, "lineage", "", "lineage id")
	_ = cmd.MarkFlagRequired("lineage")
	return cmd
}

func issuesCmd() *cobra.Command {
	issues := &cobra.Command{
		Use:   "issues",
		Short: "Feature issue scheduling",
	}
	var lineage, leader string
	next := &cobra.Command{
		Use:   "next",
		Short: "Reserve the next ready feature issue for a leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.AssignNext(ctx, lineage, leader, viper.GetString("actor-id"))
				if errors.Is(err, engine.ErrNoneAvailable) {
					fmt.Println("no issue ready")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	next.Flags().StringVar(&lineage, "lineage", "", "lineage id")
	next.Flags().StringVar(&leader, "leader", "", "leader claimant key")
	_ = next.MarkFlagRequired("lineage")
	_ = next.MarkFlagRequired("leader")

	activate := &cobra.Command{
		Use:   "activate <id>",
		Short: "Fork the repository of a reserved issue and open its todos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.Activate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	issues.AddCommand(next, activate)
	return issues
}

func claimantsCmd() *cobra.Command {
	claimants := &cobra.Command{
		Use:   "claimants",
		Short: "Manage eligible claimants",
	}
	var lineage, key string
	var remove bool
	allow := &cobra.Command{
		Use:   "allow",
		Short: "Allow a claimant key in a lineage, or remove it with --remove",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.SetEligible(ctx, lineage, key, !remove, viper.GetString("actor-id"))
			})
		},
	}
	allow.Flags().StringVar(&lineage, "lineage", "", "lineage id")
	allow.Flags().StringVar(&key, "key", "", "claimant public key (hex)")
	allow.Flags().BoolVar(&remove, "remove", false, "remove instead of allow")
	_ = allow.MarkFlagRequired("lineage")
	_ = allow.MarkFlagRequired("key")
	claimants.AddCommand(allow)
	return claimants
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage admin API keys",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC().Format(engine.TimeLayout)
				k, raw, err := a.Engine.Repo.CreateAPIKey(ctx, viper.GetString("actor-id"), name, now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "actor_id": k.ActorID, "key": raw})
				}
				fmt.Printf("api key %s for %s\n%s\n", k.ID, k.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, revoke)
	return keys
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a claimant key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			seed := fmt.Sprintf("%x", priv.Seed())
			if viper.GetBool("json") {
				return printJSON(map[string]string{"claimant_key": pub, "private_key": seed})
			}
			fmt.Printf("claimant key: %s\nprivate key:  %s\n", pub, seed)
			fmt.Println("export CLAIMLINE_WORKER_KEY=" + seed)
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Lineage", "Entity", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.LineageID, ev.EntityKind + ":" + ev.EntityID, shortKey(ev.ActorID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.LineageID, "lineage", "", "lineage filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:8] + "…" + k[len(k)-4:]
	}
	return k
}
