package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"fixitnow/internal/app"
	"fixitnow/internal/config"
	"fixitnow/internal/db"
	"fixitnow/internal/domain"
	"fixitnow/internal/engine"
	"fixitnow/internal/migrate"
	"fixitnow/internal/repo"
	"fixitnow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fixit",
	Short: "FixItNow CLI",
	Long: `FixItNow connects customers who report home and vehicle issues with workers who fix them.
Core concepts:
- Workspace: the .fixitnow directory holding the database, next to fixitnow.yml.
- Issue: a customer's report. It moves pending -> accepted -> in_progress -> submitted -> completed; cancelled is the exit.
- Matching: a new issue is offered to every worker registered for its category. The first matched worker to accept wins.
- Evidence: references a worker submits as proof; the customer approves or sends the work back.
- Notifications: an inbox per actor, optionally forwarded to webhooks by 'fixit serve'.
- Event log: diary of changes, view with 'fixit log tail'.
Commands act as --actor with --role (FIXITNOW_ACTOR, FIXITNOW_ROLE).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-format"), viper.GetString("log-level")))
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIXITNOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "customer", "actor role (customer, worker, admin)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor", "role", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace",
		Long:  "Creates the .fixitnow directory with its database and writes a default fixitnow.yml next to it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			out := map[string]any{"config": path, "database": db.Path(workspace), "schema_version": version}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Initialized workspace: %s (schema v%d)\nConfig: %s\n", db.Path(workspace), version, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing fixitnow.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeaders, metrics bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API and runs the webhook dispatcher and the match retrier until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeaders {
				return fmt.Errorf("FIXITNOW_JWT_SECRET is required for bearer auth")
			}
			a, err := app.Open(cmd.Context(), viper.GetString("workspace"), app.Options{Logger: slog.Default(), Metrics: metrics})
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeaders: allowActorHeaders},
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.Dispatcher.Run(ctx) })
			g.Go(func() error { return a.Retrier.Run(ctx) })

			fmt.Printf("Serving FixItNow API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", addr, basePath, basePath, basePath)
			if !a.Dispatcher.Enabled() {
				a.Logger.Info("no active webhooks; notifications stay in the inbox")
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeaders, "allow-actor-headers", false, "trust X-Actor-Id/X-Actor-Role headers (development only)")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "export OpenTelemetry metrics as configured in fixitnow.yml")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Manage worker profiles",
		Long:  "Workers register the categories they serve; new issues in those categories are offered to them.",
	}
	w.AddCommand(workerRegisterCmd())
	w.AddCommand(workerAvailabilityCmd())
	w.AddCommand(workerShowCmd())
	w.AddCommand(workerListCmd())
	return w
}

func workerRegisterCmd() *cobra.Command {
	var name string
	var categories []string
	var available bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update the acting worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				w, err := e.RegisterWorker(ctx, actor, engine.WorkerProfile{
					ID:         actor.ID,
					Name:       name,
					Categories: categories,
					Available:  available,
				})
				if err != nil {
					return err
				}
				return printWorkers(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "category served (repeatable)")
	cmd.Flags().BoolVar(&available, "available", true, "take new jobs")
	return cmd
}

func workerAvailabilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "availability <on|off>",
		Short: "Toggle whether the acting worker takes new jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var available bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "yes":
				available = true
			case "off", "false", "no":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				w, err := e.SetAvailability(ctx, actor, available)
				if err != nil {
					return err
				}
				return printWorkers(w)
			})
		},
	}
	return cmd
}

func workerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a worker profile (defaults to the acting worker)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				id := actor.ID
				if len(args) == 1 {
					id = args[0]
				}
				w, err := e.GetWorker(ctx, actor, id)
				if err != nil {
					return err
				}
				return printWorkers(w)
			})
		},
	}
	return cmd
}

func workerListCmd() *cobra.Command {
	var category string
	var availableOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				ws, err := e.ListWorkers(ctx, actor, category, availableOnly)
				if err != nil {
					return err
				}
				return printWorkers(ws...)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().BoolVar(&availableOnly, "available-only", false, "only workers taking new jobs")
	return cmd
}

func printWorkers(ws ...domain.Worker) error {
	if viper.GetBool("json") {
		if len(ws) == 1 {
			return printJSON(ws[0])
		}
		return printJSON(ws)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Categories", "Available", "Jobs", "Rating"})
	for _, w := range ws {
		cats := make([]string, 0, len(w.Categories))
		for _, c := range w.Categories {
			cats = append(cats, string(c))
		}
		rating := "-"
		if w.RatingCount > 0 {
			rating = fmt.Sprintf("%.1f (%d)", w.Rating, w.RatingCount)
		}
		tw.AppendRow(table.Row{w.ID, w.Name, strings.Join(cats, ","), w.Available, w.CompletedJobs, rating})
	}
	tw.Render()
	return nil
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{
		Use:     "notification",
		Aliases: []string{"notifications", "inbox"},
		Short:   "Read the acting actor's inbox",
	}
	n.AddCommand(notificationListCmd())
	n.AddCommand(notificationReadCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				items, err := e.ListNotifications(ctx, actor, unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Issue", "Message", "Read", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Kind, it.IssueID, it.Message, it.Read, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum notifications")
	return cmd
}

func notificationReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				n, err := e.MarkNotificationRead(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: issue transitions, matches, worker updates, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var interval time.Duration
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				events, err := e.ListEvents(ctx, actor, repo.EventFilter{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if !follow {
					if viper.GetBool("json") {
						return printJSON(events)
					}
					renderEvents(events)
					return nil
				}
				// newest first; print oldest first and follow from the newest
				for i := len(events) - 1; i >= 0; i-- {
					printEventLine(events[i])
				}
				cursor, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					more, err := e.EventsAfter(ctx, actor, cursor, 100)
					if err != nil {
						return err
					}
					for _, evt := range more {
						cursor = evt.ID
						if matchesEvent(evt, evtType, entityKind, entityID) {
							printEventLine(evt)
						}
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func renderEvents(events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
	for _, evt := range events {
		tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
	}
	tw.Render()
}

func printEventLine(evt domain.Event) {
	if viper.GetBool("json") {
		b, _ := json.Marshal(evt)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%d %s %-18s %s:%s by %s\n", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
}

func matchesEvent(evt domain.Event, evtType, entityKind, entityID string) bool {
	return (evtType == "" || evt.Type == evtType) &&
		(entityKind == "" || evt.EntityKind == entityKind) &&
		(entityID == "" || evt.EntityID == entityID)
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting actor",
		Long:  "Signs an HS256 token with FIXITNOW_JWT_SECRET for --actor and --role.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), actor, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "actor_id": actor.ID, "role": actor.Role})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:     "apikey",
		Aliases: []string{"api-key"},
		Short:   "Manage API keys",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name, forID, forRole string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				owner := actor
				if forID != "" {
					role, err := domain.ParseRole(forRole)
					if err != nil {
						return err
					}
					owner = domain.Actor{ID: forID, Role: role}
				}
				key, plain, err := e.CreateAPIKey(ctx, actor, owner, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": plain})
				}
				fmt.Printf("API key %s for %s (%s):\n%s\n", key.ID, key.ActorID, key.Role, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().StringVar(&forID, "for", "", "owner actor id (admin only when not yourself)")
	cmd.Flags().StringVar(&forRole, "for-role", "customer", "owner role")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				if err := e.DeleteAPIKey(ctx, actor, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in fixitnow.yml: matching, notification texts, subscription polling, webhooks and telemetry.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate fixitnow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

// --- helpers ---

func currentActor() (domain.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor"))
	if id == "" {
		return domain.Actor{}, fmt.Errorf("--actor required")
	}
	role, err := domain.ParseRole(viper.GetString("role"))
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: id, Role: role}, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.Actor) error) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine, actor)
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
