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

	"lumigator/internal/app"
	"lumigator/internal/config"
	"lumigator/internal/db"
	"lumigator/internal/domain"
	"lumigator/internal/engine"
	"lumigator/internal/migrate"
	"lumigator/internal/reconciler"
	"lumigator/internal/repo"
	"lumigator/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lumigator",
	Short: "Lumigator orchestration CLI",
	Long: `Lumigator runs model evaluation pipelines against a remote execution
backend. An experiment names a dataset and a task; a workflow runs one
model through inference and evaluation; jobs are the individual remote
submissions. Secrets hold provider credentials, encrypted at rest.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures onto shell exit codes: 2 when a remote backend is
// unreachable, 3 when the local database is, 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, app.ErrDatabase) {
		return 3
	}
	if domain.KindOf(err) == domain.KindUpstream {
		return 2
	}
	return 1
}

func initConfig() {
	viper.SetEnvPrefix("LUMIGATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/lumigator.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(datasetCmd())
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	// Environment wins over file values for deployment-sensitive settings.
	if v := viper.GetString("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := viper.GetString("secret-key"); v != "" {
		cfg.SecretKey = v
	}
	if v := viper.GetString("ray-url"); v != "" {
		cfg.Ray.URL = v
	}
	if v := viper.GetString("tracking-url"); v != "" {
		cfg.Tracking.URL = v
	}
	if v := viper.GetString("cors-allowed-origins"); v != "" {
		cfg.CORSAllowedOrigins = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.JWTSecret = v
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noReconciler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				handler, err := server.New(server.Config{
					Engine:         a.Engine,
					BasePath:       basePath,
					Auth:           server.AuthConfig{JWTSecret: a.Config.JWTSecret},
					AllowedOrigins: a.Config.AllowedOrigins(),
				})
				if err != nil {
					return err
				}
				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				if !noReconciler {
					rec := reconciler.New(a.Engine)
					go rec.Run(runCtx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutCancel()
					srv.Shutdown(shutCtx)
				}()
				fmt.Printf("Serving Lumigator API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().BoolVar(&noReconciler, "no-reconciler", false, "serve the API without the reconciliation loop")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{URL: cfg.DatabaseURL, Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}
}

func secretCmd() *cobra.Command {
	sec := &cobra.Command{Use: "secret", Short: "Manage stored credentials"}
	sec.AddCommand(secretSetCmd())
	sec.AddCommand(secretListCmd())
	sec.AddCommand(secretDeleteCmd())
	return sec
}

func secretSetCmd() *cobra.Command {
	var value, description string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or update a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if value == "" {
				value = os.Getenv("LUMIGATOR_SECRET_VALUE")
			}
			if value == "" {
				return domain.Validation("secret value required; use --value or LUMIGATOR_SECRET_VALUE")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if a.Engine.Secrets == nil {
					return domain.Validation("secret_key is not configured")
				}
				created, err := a.Engine.Secrets.Upsert(ctx, args[0], value, description)
				if err != nil {
					return err
				}
				if created {
					fmt.Println("created")
				} else {
					fmt.Println("updated")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "secret value")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func secretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if a.Engine.Secrets == nil {
					return domain.Validation("secret_key is not configured")
				}
				items, err := a.Engine.Secrets.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Description", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Name, s.Description, s.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func secretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if a.Engine.Secrets == nil {
					return domain.Validation("secret_key is not configured")
				}
				existed, err := a.Engine.Secrets.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !existed {
					return domain.NotFound("secret", args[0])
				}
				return nil
			})
		},
	}
}

func datasetCmd() *cobra.Command {
	ds := &cobra.Command{Use: "dataset", Short: "Manage datasets"}
	ds.AddCommand(datasetRegisterCmd())
	ds.AddCommand(datasetListCmd())
	return ds
}

func datasetRegisterCmd() *cobra.Command {
	var filename, uri string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an uploaded dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ds, err := a.Engine.RegisterDataset(ctx, filename, uri)
				if err != nil {
					return err
				}
				return printJSON(ds)
			})
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "dataset filename")
	cmd.Flags().StringVar(&uri, "uri", "", "dataset storage location")
	_ = cmd.MarkFlagRequired("filename")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}

func datasetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListDatasets(ctx, 0, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Filename", "Format", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Filename, d.Format, d.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func experimentCmd() *cobra.Command {
	exp := &cobra.Command{Use: "experiment", Short: "Manage experiments"}
	exp.AddCommand(experimentCreateCmd())
	exp.AddCommand(experimentListCmd())
	exp.AddCommand(experimentShowCmd())
	exp.AddCommand(experimentDeleteCmd())
	return exp
}

func experimentCreateCmd() *cobra.Command {
	var name, description, task, datasetID string
	var maxSamples int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.CreateExperiment(ctx, engine.ExperimentSpec{
					Name:        name,
					Description: description,
					Task:        task,
					DatasetID:   datasetID,
					MaxSamples:  maxSamples,
				})
				if err != nil {
					return err
				}
				return printJSON(exp)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "experiment name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&task, "task", "summarization", "task: summarization, translation or text-generation")
	cmd.Flags().StringVar(&datasetID, "dataset", "", "dataset id")
	cmd.Flags().IntVar(&maxSamples, "max-samples", -1, "sample cap, -1 for all")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func experimentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, _, err := a.Engine.ListExperiments(ctx, 0, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Task", "Dataset", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Name, e.Task, e.DatasetID, e.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func experimentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				exp, err := a.Engine.GetExperiment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(exp)
			})
		},
	}
}

func experimentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an experiment and its workflows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.DeleteExperiment(ctx, args[0])
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowDeleteCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var spec engine.WorkflowSpec
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				wf, err := a.Engine.CreateWorkflow(ctx, spec)
				if err != nil {
					return err
				}
				return printJSON(wf)
			})
		},
	}
	cmd.Flags().StringVar(&spec.ExperimentID, "experiment", "", "experiment id")
	cmd.Flags().StringVar(&spec.Name, "name", "", "workflow name")
	cmd.Flags().StringVar(&spec.Description, "description", "", "description")
	cmd.Flags().StringVar(&spec.Model, "model", "", "model reference, e.g. hf://org/name")
	cmd.Flags().StringVar(&spec.Provider, "provider", "", "model provider")
	cmd.Flags().StringVar(&spec.SystemPrompt, "system-prompt", "", "system prompt")
	cmd.Flags().StringVar(&spec.SecretKeyName, "secret", "", "stored credential name")
	cmd.Flags().IntVar(&spec.JobTimeoutSec, "job-timeout", 0, "per-job timeout in seconds")
	_ = cmd.MarkFlagRequired("experiment")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its jobs and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				details, err := a.Engine.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(details)
			})
		},
	}
}

func workflowDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.DeleteWorkflow(ctx, args[0], force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even while jobs are running")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobLogsCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var jobType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				filter := repo.JobFilter{}
				if jobType != "" {
					filter.JobTypes = []domain.JobType{domain.JobType(jobType)}
				}
				items, _, err := a.Engine.ListJobs(ctx, 0, 0, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Name", "Created"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.JobType, j.Status, j.Name, j.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				job, err := a.Engine.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				job, err := a.Engine.CancelJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func jobLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Show job logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				logs, err := a.Engine.GetJobLogs(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Print(logs)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListEvents(ctx, repo.EventFilter{
					EntityKind: entityKind,
					EntityID:   entityID,
					Type:       evtType,
				}, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "ID", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
