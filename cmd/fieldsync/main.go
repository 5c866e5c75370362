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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldsync/internal/backend"
	"fieldsync/internal/codec"
	"fieldsync/internal/config"
	"fieldsync/internal/conflict"
	"fieldsync/internal/db"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/migrate"
	"fieldsync/internal/server"
	"fieldsync/internal/store"
	"fieldsync/internal/submit"
	"fieldsync/internal/syncer"
	"fieldsync/internal/uploader"
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Fieldsync CLI",
	Long: `Fieldsync captures field-inspection answer sets offline and reconciles
them with the backend when connectivity returns.
- Workspace: the .fieldsync directory holding the local SQLite store.
- Drafts: in-progress answer sets, one per (template, vehicle) pair.
- Queue: submissions saved while offline, drained FIFO by fieldsync sync.
- Conflicts: drafts whose template moved ahead of them on the server.`,
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
	viper.SetEnvPrefix("FIELDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldsync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, drafts and token health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				queued, err := env.Store.ListQueued(ctx)
				if err != nil {
					return err
				}
				drafts, err := env.Store.ListDrafts(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"queue_depth": len(queued),
					"draft_count": len(drafts),
					"db_path":     db.Path(viper.GetString("workspace")),
				}
				if exp, ok := env.Client.TokenExpiry(); ok {
					out["token_expires_at"] = exp.UTC().Format(time.RFC3339)
					out["token_expired"] = time.Now().After(exp)
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Queue: %d pending\n", len(queued))
				fmt.Printf("Drafts: %d\n", len(drafts))
				if exp, ok := env.Client.TokenExpiry(); ok {
					if time.Now().After(exp) {
						fmt.Printf("Token: EXPIRED at %s\n", exp.UTC().Format(time.RFC3339))
					} else {
						fmt.Printf("Token: valid until %s\n", exp.UTC().Format(time.RFC3339))
					}
				}
				return nil
			})
		},
	}
	return cmd
}

// --- submit ---

func submitCmd() *cobra.Command {
	var templateID, vehicleID, answersFile, mode string
	var offline bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an answer set, queueing it when offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(answersFile)
			if err != nil {
				return err
			}
			var serialized domain.SerializedAnswerSet
			if err := json.Unmarshal(data, &serialized); err != nil {
				return fmt.Errorf("parse %s: %w", answersFile, err)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				orch := submit.New(env.Store, env.Client)
				if offline {
					orch.Online = func(context.Context) bool { return false }
				}
				res, err := orch.Submit(ctx, submit.Options{
					TemplateID: templateID,
					VehicleID:  vehicleID,
					Mode:       domain.SubmissionMode(mode),
					Serialized: &serialized,
					Compress:   codec.JPEGCompressor(80),
					Progress:   progressPrinter(),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id")
	cmd.Flags().StringVar(&answersFile, "answers", "", "path to serialized answer set JSON")
	cmd.Flags().StringVar(&mode, "mode", "final", "submission mode (draft or final)")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the network and queue directly")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("answers")
	return cmd
}

// --- sync ---

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the submission queue, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				dr := newDrainer(env)
				report, err := dr.Drain(ctx, progressPrinter())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Synced %d/%d (%d failed)\n", report.Success, report.Total, report.Failed)
				return nil
			})
		},
	}
	return cmd
}

// --- queue ---

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the offline queue"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueShowCmd())
	q.AddCommand(queueRemoveCmd())
	return q
}

func queueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued submissions, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				items, err := env.Store.ListQueued(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "TEMPLATE", "VEHICLE", "MODE", "ATTEMPTS", "CREATED", "LAST ERROR")
				for _, it := range items {
					t.AppendRow(table.Row{it.ID, it.TemplateID, it.VehicleID, it.Mode, it.Attempts, it.CreatedAt, truncate(it.LastError, 48)})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func queueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queued submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				item, err := env.Store.GetQueued(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	return cmd
}

func queueRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Drop a queued submission without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				return env.Store.RemoveQueued(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- drafts ---

func draftCmd() *cobra.Command {
	d := &cobra.Command{Use: "draft", Short: "Manage local drafts"}
	d.AddCommand(draftListCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftDiscardCmd())
	return d
}

func draftListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List valid drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				items, err := env.Store.ListDrafts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("TEMPLATE", "VEHICLE", "TPL VERSION", "ANSWERS", "UPDATED")
				for _, it := range items {
					t.AppendRow(table.Row{it.TemplateID, it.VehicleID, it.Metadata.TemplateVersion, len(it.Answers.Answers), it.Answers.UpdatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func draftShowCmd() *cobra.Command {
	var vehicleID string
	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show one draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				draft, err := env.Store.LoadDraft(ctx, args[0], vehicleID)
				if err != nil {
					return err
				}
				return printJSON(draft)
			})
		},
	}
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id")
	return cmd
}

func draftDiscardCmd() *cobra.Command {
	var vehicleID string
	cmd := &cobra.Command{
		Use:   "discard <template-id>",
		Short: "Delete a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				return env.Store.ClearDraft(ctx, args[0], vehicleID)
			})
		},
	}
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id")
	return cmd
}

// --- conflicts ---

func conflictCmd() *cobra.Command {
	c := &cobra.Command{Use: "conflicts", Short: "Detect and resolve template conflicts"}
	c.AddCommand(conflictListCmd())
	c.AddCommand(conflictResolveCmd())
	return c
}

func conflictListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Check every draft against its live template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				det := conflict.New(env.Store, env.Client)
				reports, err := det.CheckAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				if len(reports) == 0 {
					fmt.Println("No conflicts.")
					return nil
				}
				t := newTable("TEMPLATE", "VEHICLE", "DRAFT VER", "LIVE VER", "SEVERITY", "NEW", "REMOVED")
				for _, r := range reports {
					t.AppendRow(table.Row{r.TemplateID, r.VehicleID, r.DraftTemplateVersion, r.CurrentVersion, r.Severity, strings.Join(r.NewSections, ","), strings.Join(r.RemovedSections, ",")})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func conflictResolveCmd() *cobra.Command {
	var vehicleID, action string
	cmd := &cobra.Command{
		Use:   "resolve <template-id>",
		Short: "Resolve one conflict (keep, discard or merge)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				det := conflict.New(env.Store, env.Client)
				switch action {
				case "keep":
					return det.Keep(ctx, args[0], vehicleID)
				case "discard":
					return det.Discard(ctx, args[0], vehicleID)
				case "merge":
					handoff, err := det.Merge(ctx, args[0], vehicleID)
					if err != nil {
						return err
					}
					return printJSON(handoff)
				default:
					return fmt.Errorf("--action must be keep, discard or merge")
				}
			})
		},
	}
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id")
	cmd.Flags().StringVar(&action, "action", "", "resolution action")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// --- cleanup ---

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove invalid stored records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				removed, err := env.Store.CleanupInvalid(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d invalid records\n", removed)
				return nil
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local agent API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *appEnv) error {
				if addr == "" {
					addr = env.Config.Agent.Listen
				}
				orch := submit.New(env.Store, env.Client)
				dr := newDrainer(env)
				handler, err := server.New(server.Config{
					Store:        env.Store,
					Orchestrator: orch,
					Drainer:      dr,
					Conflicts:    conflict.New(env.Store, env.Client),
					BasePath:     basePath,
					Auth:         server.AuthConfig{JWTSecret: env.Config.Agent.JWTSecret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Fieldsync agent API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config agent.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

type appEnv struct {
	Config *config.Config
	Store  *store.Store
	Client *backend.Client
}

func withEnv(ctx context.Context, fn func(context.Context, *appEnv) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
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
	client := backend.New(cfg.Backend.BaseURL)
	client.BearerToken = cfg.Backend.Token
	client.Timeout = time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	env := &appEnv{
		Config: cfg,
		Store:  store.New(conn, events.NewBus(), cfg.Policy.RejectedTemplates),
		Client: client,
	}
	return fn(ctx, env)
}

// newDrainer builds the configured queue drainer, with attachments
// mirrored to object storage through the upload coordinator.
func newDrainer(env *appEnv) *syncer.Drainer {
	dr := syncer.New(env.Store, env.Client)
	dr.Attempts = env.Config.Sync.Attempts
	dr.Backoff = time.Duration(env.Config.Sync.BackoffMS) * time.Millisecond
	dr.Compress = codec.JPEGCompressor(80)
	up := uploader.New(env.Client)
	up.Concurrency = env.Config.Uploads.Concurrency
	up.Compress = uploader.Compressor(codec.JPEGCompressor(80))
	dr.Uploads = up
	dr.UploadPrefix = env.Config.Uploads.Prefix
	return dr
}

func progressPrinter() func(domain.Progress) {
	if viper.GetBool("json") {
		return nil
	}
	return func(p domain.Progress) {
		switch p.Phase {
		case domain.PhaseUploading:
			if p.Total > 0 {
				fmt.Printf("\ruploading %d%%", p.Percent)
			}
		case domain.PhaseCompleted:
			fmt.Println("\rcompleted      ")
		case domain.PhaseQueued:
			fmt.Printf("\rqueued as %s\n", p.QueueID)
		case domain.PhaseError:
			fmt.Printf("\rerror: %s\n", p.Message)
		}
	}
}

func newTable(cols ...string) table.Writer {
	t := table.NewWriter()
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	t.AppendHeader(row)
	t.SetStyle(table.StyleLight)
	return t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
