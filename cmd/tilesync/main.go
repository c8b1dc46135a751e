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
	"golang.org/x/sync/errgroup"

	"tilesync/internal/app"
	"tilesync/internal/backfill"
	"tilesync/internal/config"
	"tilesync/internal/domain"
	"tilesync/internal/engine"
	"tilesync/internal/logging"
	"tilesync/internal/server"
	"tilesync/internal/store"
	"tilesync/internal/vocab"
)

var rootCmd = &cobra.Command{
	Use:   "tilesync",
	Short: "Tilesync CLI",
	Long: `Tilesync keeps one status per work item and shows it to several boards.
- Status: the canonical lifecycle stage of an item (designing -> ... -> done).
- View: a board's vocabulary. It sees only the statuses in its zone, each under its own label.
- Version: every write bumps it; a write carrying an older version is refused with the current item.
- Backfill: parents without items get a deterministic default set, exactly once.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TILESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("store", "TILESYNC_STORE", "TILESYNC_STORE_DRIVER")
	_ = viper.BindEnv("dsn", "TILESYNC_DSN", "TILESYNC_DATABASE_URL")
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "config file (default <workspace>/tilesync.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("store", "", "store driver: sqlite, postgres or memory")
	flags.String("dsn", "", "postgres connection URL")
	flags.String("redis-url", "", "redis URL for cross-instance notifications")
	flags.String("parents-file", "", "parent roster YAML")
	flags.String("log-file", "", "write logs to a rotating file instead of stderr")
	for _, name := range []string{"workspace", "config", "json", "store", "dsn", "redis-url", "parents-file", "log-file"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(viewsCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath  string
		backfillOnStart bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Parents:  a.Parents,
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				workers, err := a.Workers(backfillOnStart)
				if err != nil {
					handler.Close()
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					handler.Close()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				for _, run := range workers {
					g.Go(func() error { return run(ctx) })
				}
				fmt.Printf("Serving Tilesync API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&backfillOnStart, "backfill", true, "backfill the parent roster on start")
	return cmd
}

func viewsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "views",
		Short: "List view vocabularies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				views := a.Engine.Views.Views()
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(views))
					for _, v := range views {
						labels := map[string]string{}
						for s, l := range v.Labels {
							labels[s.String()] = l
						}
						out = append(out, map[string]any{"name": v.Name, "labels": labels})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"View", "Status", "Label"})
				for _, v := range views {
					for _, s := range v.Zone {
						tw.AppendRow(table.Row{v.Name, s, v.Labels[s]})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
	}
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemGetCmd())
	cmd.AddCommand(itemCreateCmd())
	cmd.AddCommand(itemMoveCmd())
	cmd.AddCommand(itemUpdateCmd())
	cmd.AddCommand(itemHistoryCmd())
	return cmd
}

func itemListCmd() *cobra.Command {
	var view, parent, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items as a view sees them, or by canonical status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if status != "" {
					s, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					items, err := a.Engine.ListByStatus(ctx, s, parent)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					printItems(items)
					return nil
				}
				items, err := a.Engine.ListForView(ctx, view, parent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(viewItemsJSON(items))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Label", "Status", "Version", "Assignee"})
				for _, vi := range items {
					tw.AppendRow(table.Row{vi.Item.ID, vi.Item.Name, vi.Label, vi.Item.Status, vi.Item.Version, vi.Item.AssignedTo})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "project", "view name")
	cmd.Flags().StringVar(&parent, "parent", "", "parent id filter")
	cmd.Flags().StringVar(&status, "status", "", "list items at this canonical status instead of a view")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemCreateCmd() *cobra.Command {
	var (
		d                   domain.WorkItemDraft
		status, view, label string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if label != "" {
					return errors.New("give either --status or --label")
				}
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				d.Status = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.CreateItem(ctx, engine.ItemCreateOptions{Draft: d, View: view, Label: label})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&d.ID, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&d.ParentID, "parent", "", "parent id")
	cmd.Flags().StringVar(&d.Name, "name", "", "item name")
	cmd.Flags().StringVar(&status, "status", "", "canonical status")
	cmd.Flags().StringVar(&view, "view", "", "view the label belongs to")
	cmd.Flags().StringVar(&label, "label", "", "initial status as a view label")
	cmd.Flags().StringVar(&d.AssignedTo, "assignee", "", "assignee")
	cmd.Flags().StringVar(&d.Priority, "priority", "", "priority")
	cmd.Flags().IntVar(&d.Progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&d.Zone, "zone", "", "physical zone")
	cmd.Flags().StringVar(&d.Machine, "machine", "", "machine")
	cmd.Flags().StringSliceVar(&d.Materials, "materials", nil, "materials")
	cmd.Flags().StringVar(&d.EstimatedTime, "estimate", "", "estimated time, e.g. 6h")
	cmd.Flags().StringVar(&d.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&d.DxfFile, "dxf", "", "DXF file reference")
	cmd.Flags().StringVar(&d.AssemblyDrawing, "drawing", "", "assembly drawing reference")
	_ = cmd.MarkFlagRequired("parent")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func itemMoveCmd() *cobra.Command {
	var (
		view    string
		version int64
	)
	cmd := &cobra.Command{
		Use:   "move <id> <label>",
		Short: "Change an item's status using a view label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.UpdateStatusFromView(ctx, view, args[0], args[1], version)
				var conflict *store.VersionConflictError
				if errors.As(err, &conflict) {
					label, _ := a.Engine.Views.ToLocal(view, conflict.Current.Status)
					return fmt.Errorf("%w (now %q at version %d)", err, label, conflict.Current.Version)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "project", "view the label belongs to")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version the change is based on")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var (
		version                                 int64
		status, view, label                     string
		name, assignee, priority, zone, machine string
		estimate, notes, dxf, drawing           string
		progress                                int
		materials                               []string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update item fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := cmd.Flags().Changed
			var u domain.FieldUpdate
			if changed("status") {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				u.Status = &s
			}
			if changed("name") {
				u.Name = &name
			}
			if changed("assignee") {
				u.AssignedTo = &assignee
			}
			if changed("priority") {
				u.Priority = &priority
			}
			if changed("progress") {
				u.Progress = &progress
			}
			if changed("zone") {
				u.Zone = &zone
			}
			if changed("machine") {
				u.Machine = &machine
			}
			if changed("materials") {
				u.Materials = &materials
			}
			if changed("estimate") {
				u.EstimatedTime = &estimate
			}
			if changed("notes") {
				u.Notes = &notes
			}
			if changed("dxf") {
				u.DxfFile = &dxf
			}
			if changed("drawing") {
				u.AssemblyDrawing = &drawing
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.UpdateFields(ctx, engine.ItemUpdateOptions{
					ID:              args[0],
					ExpectedVersion: version,
					Fields:          u,
					View:            view,
					Label:           label,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version the change is based on")
	cmd.Flags().StringVar(&status, "status", "", "canonical status")
	cmd.Flags().StringVar(&view, "view", "", "view the label belongs to")
	cmd.Flags().StringVar(&label, "label", "", "new status as a view label")
	cmd.Flags().StringVar(&name, "name", "", "item name")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress 0-100")
	cmd.Flags().StringVar(&zone, "zone", "", "physical zone")
	cmd.Flags().StringVar(&machine, "machine", "", "machine")
	cmd.Flags().StringSliceVar(&materials, "materials", nil, "materials")
	cmd.Flags().StringVar(&estimate, "estimate", "", "estimated time")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&dxf, "dxf", "", "DXF file reference")
	cmd.Flags().StringVar(&drawing, "drawing", "", "assembly drawing reference")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show an item's status transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				trs, err := a.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "From", "To", "Source", "At"})
				for _, tr := range trs {
					from := "-"
					if tr.From.Valid() {
						from = tr.From.String()
					}
					tw.AppendRow(table.Row{tr.Version, from, tr.To, tr.SourceView, tr.At})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Create default items for parents that have none",
		Long:  "Reads the parent roster (--parents-file or parents_file in tilesync.yml). Parents that already have items, or were backfilled before, are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Config.ParentsFile == "" {
					return errors.New("no parent roster: set --parents-file or parents_file")
				}
				list, err := a.Parents()
				if err != nil {
					return err
				}
				rep, err := a.Engine.EnsureDefaultItems(ctx, list)
				if viper.GetBool("json") {
					if perr := printJSON(rep); perr != nil {
						return perr
					}
					return err
				}
				printReport(rep)
				return err
			})
		},
	}
}

func printItems(items []domain.WorkItem) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Parent", "Name", "Status", "Assignee", "Machine", "Estimate"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.ID, it.ParentID, it.Name, it.Status, it.AssignedTo, it.Machine, it.EstimatedTime})
	}
	tw.Render()
}

func printReport(rep backfill.Report) {
	printItems(rep.Created)
	fmt.Printf("generated: %d parent(s), skipped: %d\n", len(rep.Generated), len(rep.Skipped))
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "tilesync.yml defines the store, the view vocabularies, backfill defaults and notification targets. Flags and TILESYNC_* variables override it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config and view vocabularies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err == nil {
				_, err = vocab.FromConfig(cfg.Views)
			}
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
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tilesync.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"), app.Overrides{
		Driver:      viper.GetString("store"),
		DSN:         viper.GetString("dsn"),
		RedisURL:    viper.GetString("redis-url"),
		ParentsFile: viper.GetString("parents-file"),
		LogFile:     viper.GetString("log-file"),
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	logger, closer := logging.New(cfg.Log)
	defer closer.Close()
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

type viewItemJSON struct {
	Label string          `json:"label"`
	Item  domain.WorkItem `json:"item"`
}

func viewItemsJSON(items []engine.ViewItem) []viewItemJSON {
	res := make([]viewItemJSON, 0, len(items))
	for _, vi := range items {
		res = append(res, viewItemJSON{Label: vi.Label, Item: vi.Item})
	}
	return res
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
