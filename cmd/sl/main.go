package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"studyline/internal/config"
	"studyline/internal/db"
	"studyline/internal/domain"
	"studyline/internal/engine"
	"studyline/internal/migrate"
	"studyline/internal/repo"
	"studyline/internal/schedule"
	"studyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Studyline CLI",
	Long: `Studyline schedules on-demand study tasks for participants.
Core concepts:
- Workspace: the .studyline directory holding the study database; studyline.yml beside it holds configuration.
- Schedule plan: a study-level rule pairing a selection strategy (simple or weighted A/B) with schedules.
- Schedule: when to prompt (cron trigger, or interval with times of day) and what to do (tasks, surveys).
- Scheduling event: a per-participant timestamp (enrollment, medication_started) that anchors schedules.
- Task: one concrete occurrence; fetching tasks computes, persists and returns them, and repeating the
  fetch returns the same set. Finished or expired occurrences are never re-issued.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STUDYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("health-code", "", "participant health code")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("health-code", rootCmd.PersistentFlags().Lookup("health-code"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var studyID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default studyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(studyID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&studyID, "study", "study", "study identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage schedule plans"}
	plan.AddCommand(planListCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planImportCmd())
	plan.AddCommand(planDeleteCmd())
	return plan
}

func planListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedule plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plans, err := e.Repo.GetSchedulePlans(ctx, e.Config.Study.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"GUID", "Label", "Min Ver", "Max Ver", "Modified"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.GUID, p.Label, intOrDash(p.MinAppVersion), intOrDash(p.MaxAppVersion), p.ModifiedOn})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <guid>",
		Short: "Show a schedule plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.Repo.GetSchedulePlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
}

func planImportCmd() *cobra.Command {
	var file, label string
	var minVersion, maxVersion int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a schedule plan from a strategy JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			plan := domain.SchedulePlan{Label: label, StrategyJSON: string(data)}
			if cmd.Flags().Changed("min-app-version") {
				plan.MinAppVersion = &minVersion
			}
			if cmd.Flags().Changed("max-app-version") {
				plan.MaxAppVersion = &maxVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateSchedulePlan(ctx, plan)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "strategy JSON file")
	cmd.Flags().StringVar(&label, "label", "", "plan label")
	cmd.Flags().IntVar(&minVersion, "min-app-version", 0, "minimum app version")
	cmd.Flags().IntVar(&maxVersion, "max-app-version", 0, "maximum app version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <guid>",
		Short: "Delete a schedule plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteSchedulePlan(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Fetch and update participant tasks"}
	tasks.AddCommand(tasksGetCmd())
	tasks.AddCommand(tasksUpdateCmd())
	tasks.AddCommand(tasksDeleteCmd())
	return tasks
}

func tasksGetCmd() *cobra.Command {
	var until, zoneName string
	var appVersion int
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Compute and fetch tasks up to a window end",
		RunE: func(cmd *cobra.Command, args []string) error {
			healthCode, err := requiredHealthCode()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now()
				endsOn := now.AddDate(0, 0, e.Config.Scheduler.DefaultWindowDays)
				if until != "" {
					endsOn, err = time.Parse(time.RFC3339, until)
					if err != nil {
						return fmt.Errorf("invalid --until %q: must be RFC 3339", until)
					}
				}
				zone := time.UTC
				if zoneName != "" {
					zone, err = time.LoadLocation(zoneName)
					if err != nil {
						return fmt.Errorf("unknown zone %q", zoneName)
					}
				}
				ci := schedule.UnknownClient
				if cmd.Flags().Changed("app-version") {
					ci = schedule.ClientInfo{AppVersion: &appVersion}
				}
				sctx := schedule.NewContextBuilder().
					WithStudyID(e.Config.Study.ID).
					WithHealthCode(healthCode).
					WithZone(zone).
					WithEndsOn(endsOn).
					WithClientInfo(ci).
					WithNow(now).
					Build()
				tasks, err := e.GetTasks(ctx, sctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"GUID", "Scheduled", "Expires", "Activity", "State"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.GUID, t.ScheduledOn.Format(time.RFC3339),
						timeOrDash(t.ExpiresOn), t.Activity.Label, taskState(t)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "window end, RFC 3339 (default: configured window)")
	cmd.Flags().StringVar(&zoneName, "zone", "", "IANA time zone (default UTC)")
	cmd.Flags().IntVar(&appVersion, "app-version", 0, "client app version for plan gating")
	return cmd
}

func tasksUpdateCmd() *cobra.Command {
	var started, finished string
	cmd := &cobra.Command{
		Use:   "update <guid>",
		Short: "Record started/finished state for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			healthCode, err := requiredHealthCode()
			if err != nil {
				return err
			}
			task := &schedule.Task{GUID: args[0]}
			for _, f := range []struct {
				name  string
				value string
				dest  **time.Time
			}{
				{"started", started, &task.StartedOn},
				{"finished", finished, &task.FinishedOn},
			} {
				if f.value == "" {
					continue
				}
				ts := time.Now()
				if f.value != "now" {
					ts, err = time.Parse(time.RFC3339, f.value)
					if err != nil {
						return fmt.Errorf("invalid --%s %q: must be RFC 3339 or \"now\"", f.name, f.value)
					}
				}
				*f.dest = &ts
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.UpdateTasks(ctx, healthCode, []*schedule.Task{task}); err != nil {
					return err
				}
				fmt.Println("updated", task.GUID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&started, "started", "", "startedOn timestamp (RFC 3339 or \"now\")")
	cmd.Flags().StringVar(&finished, "finished", "", "finishedOn timestamp (RFC 3339 or \"now\")")
	return cmd
}

func tasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete every task for the participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			healthCode, err := requiredHealthCode()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTasks(ctx, healthCode); err != nil {
					return err
				}
				fmt.Println("tasks deleted for", healthCode)
				return nil
			})
		},
	}
}

func eventCmd() *cobra.Command {
	event := &cobra.Command{Use: "event", Short: "Manage scheduling events"}
	event.AddCommand(eventSetCmd())
	event.AddCommand(eventListCmd())
	return event
}

func eventSetCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Record a scheduling event timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			healthCode, err := requiredHealthCode()
			if err != nil {
				return err
			}
			ts := time.Now()
			if at != "" {
				ts, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at %q: must be RFC 3339", at)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetTaskEvent(ctx, domain.TaskEvent{
					HealthCode: healthCode,
					Name:       args[0],
					Timestamp:  ts,
				}); err != nil {
					return err
				}
				fmt.Printf("event %s set to %s\n", args[0], ts.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "event timestamp, RFC 3339 (default now)")
	return cmd
}

func eventListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the participant's scheduling events",
		RunE: func(cmd *cobra.Command, args []string) error {
			healthCode, err := requiredHealthCode()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListTaskEvents(ctx, healthCode)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Timestamp"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Name, ev.Timestamp.UTC().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage participant API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to the participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			healthCode, err := requiredHealthCode()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:         uuid.New().String(),
					HealthCode: healthCode,
					StudyID:    e.Config.Study.ID,
					Name:       name,
					KeyHash:    repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The raw key is only shown once.
				fmt.Printf("api key %s created for %s\nkey: %s\n", key.ID, healthCode, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Health Code", "Payload"})
				for _, ev := range events {
					entity := ev.EntityKind
					if ev.EntityID != "" {
						entity += ":" + ev.EntityID
					}
					tw.AppendRow(table.Row{ev.TS, ev.Type, entity, ev.HealthCode, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Str("study", cfg.Study.ID).Logger()
			e := engine.New(conn, cfg)
			e.Log = logger

			jwtSecret := cfg.Auth.JWTSecret
			if env := os.Getenv("STUDYLINE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !cfg.Auth.AllowLegacyHealthCodeHeader {
				return fmt.Errorf("auth.jwt_secret (or STUDYLINE_JWT_SECRET) is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:                   jwtSecret,
					AllowLegacyHealthCodeHeader: cfg.Auth.AllowLegacyHealthCodeHeader,
					Logger:                      logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).
				Msg("serving Studyline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("study")
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func requiredHealthCode() (string, error) {
	healthCode := strings.TrimSpace(viper.GetString("health-code"))
	if healthCode == "" {
		return "", fmt.Errorf("--health-code required")
	}
	return healthCode, nil
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

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func taskState(t schedule.Task) string {
	switch {
	case t.FinishedOn != nil:
		return "finished"
	case t.StartedOn != nil:
		return "started"
	default:
		return "scheduled"
	}
}
