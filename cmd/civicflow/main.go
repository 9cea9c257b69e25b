package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicflow/internal/app"
	"civicflow/internal/config"
	"civicflow/internal/directory"
	"civicflow/internal/domain"
	"civicflow/internal/migrate"
	"civicflow/internal/repo"
	"civicflow/internal/server"
)

var version = "dev"

// stdout receives command output.
var stdout io.Writer = os.Stdout

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "civicflow",
		Short: "Civicflow report lifecycle engine",
		Long: `Civicflow routes citizen reports through review, assignment, work and approval.
- Reports move OPEN -> IN_REVIEW -> IN_PROGRESS -> DONE; REJECTED and CANCELLED are exits.
- Supervisors assign a report to one team or user at a time; the assignee accepts and completes.
- Completed work waits in IN_PROGRESS/PENDING_APPROVAL until a supervisor approves or sends it back.
- Every status change and department forward is recorded in append-only history.

Configuration lives in civicflow.yml inside the workspace. CIVICFLOW_* environment
variables override it, e.g. CIVICFLOW_DATABASE_DSN or CIVICFLOW_AUTH_JWT_SECRET.`,
		SilenceUsage: true,
	}
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CIVICFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding civicflow.yml")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().Int64("as", 0, "acting user id")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", root.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", root.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(initCmd())
	root.AddCommand(configCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(roleCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(apiKeyCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(historyCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default civicflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Auth.JWTSecret != "" {
				c.Auth.JWTSecret = "********"
			}
			if c.Media.SecretKey != "" {
				c.Media.SecretKey = "********"
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Config OK")
			return nil
		},
	})
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				v, err := migrate.Migrate(ctx, a.DB, a.Dialect)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Schema at version %d (%s)\n", v, a.Dialect)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load departments, teams and users from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := directory.LoadSeed(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				seeded, err := directory.Apply(ctx, a.Engine.Repo, s, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(seeded)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "Name", "ID"})
				for _, kind := range []struct {
					name string
					ids  map[string]int64
				}{{"department", seeded.Departments}, {"team", seeded.Teams}, {"user", seeded.Users}} {
					for name, id := range kind.ids {
						tw.AppendRow(table.Row{kind.name, name, id})
					}
				}
				tw.SortBy([]table.SortBy{{Name: "ID", Mode: table.AscNumeric}})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Grant or revoke user roles"}
	for _, grant := range []bool{true, false} {
		use, short := "grant", "Give a user a role"
		if !grant {
			use, short = "revoke", "Take a role away from a user"
		}
		var user int64
		var role string
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
					if err := directory.SetRole(ctx, a.Engine.Repo, user, domain.Role(strings.ToUpper(role)), grant); err != nil {
						return err
					}
					actor, err := a.Engine.Users.ResolveActor(ctx, user)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(actor)
					}
					roles := make([]string, 0, len(actor.Roles))
					for _, r := range actor.Roles {
						roles = append(roles, string(r))
					}
					fmt.Fprintf(stdout, "user %d roles: %s\n", user, strings.Join(roles, ", "))
					return nil
				})
			},
		}
		sub.Flags().Int64Var(&user, "user", 0, "user id")
		sub.Flags().StringVar(&role, "role", "", "CITIZEN, TEAM_MEMBER, DEPARTMENT_SUPERVISOR or SYSTEM_ADMIN")
		_ = sub.MarkFlagRequired("user")
		_ = sub.MarkFlagRequired("role")
		cmd.AddCommand(sub)
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, true, func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if cfg.Auth.JWTSecret == "" {
					return fmt.Errorf("auth.jwt_secret (or CIVICFLOW_AUTH_JWT_SECRET) is required for bearer auth")
				}
				server.Version = version
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, DevLogin: devLogin},
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				a.Logger.Info("serving civicflow api",
					"addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "dev_login", devLogin)
				fmt.Fprintf(stdout, "Serving Civicflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (never in production)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.SignToken(cfg.Auth.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var userID int64
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				r := a.Engine.Repo
				ok, err := r.UserExists(ctx, userID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("user %d not found", userID)
				}
				secret := "cf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC(),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": userID, "key": secret})
				}
				fmt.Fprintf(stdout, "Created key %s for user %d\n%s\n", key.ID, userID, secret)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "owning user id")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "filter by user id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "Deleted", args[0])
				return nil
			})
		},
	}
}

// --- helpers ---

// loadConfig reads civicflow.yml and applies CIVICFLOW_* and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	override := func(dst *string, key string) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.Driver, "database.driver")
	override(&cfg.Database.DSN, "database.dsn")
	override(&cfg.Database.Path, "database.path")
	override(&cfg.Server.Addr, "server.addr")
	override(&cfg.Server.BasePath, "server.base_path")
	override(&cfg.Auth.JWTSecret, "auth.jwt_secret")
	override(&cfg.Log.Level, "log.level")
	override(&cfg.Log.Format, "log.format")
	override(&cfg.Events.AMQPURL, "events.amqp_url")
	override(&cfg.Media.Endpoint, "media.endpoint")
	override(&cfg.Media.AccessKey, "media.access_key")
	override(&cfg.Media.SecretKey, "media.secret_key")
	if viper.IsSet("telemetry.enabled") {
		cfg.Telemetry.Enabled = viper.GetBool("telemetry.enabled")
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, migrateSchema bool, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	a, err := app.Open(ctx, cfg, logger, app.Options{Migrate: migrateSchema, Version: version})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()
	return fn(ctx, a)
}

func actorID() (int64, error) {
	id := viper.GetInt64("as")
	if id <= 0 {
		return 0, fmt.Errorf("--as <user id> (or CIVICFLOW_AS) is required")
	}
	return id, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid report id %q", arg)
	}
	return id, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
