package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"autopress/internal/app"
	"autopress/internal/model"
	"autopress/internal/queue"
)

func newProjectCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects", "p"},
		Short:   "Manage content projects",
	}
	cmd.AddCommand(
		newProjectCreateCommand(opts),
		newProjectListCommand(opts),
		newProjectShowCommand(opts),
		newProjectStatusCommand(opts, "pause", "Pause a project (its queued items are skipped)", model.ProjectPaused),
		newProjectStatusCommand(opts, "resume", "Resume a paused project", model.ProjectActive),
		newProjectRestartCommand(opts),
		newProjectRemoveCommand(opts),
	)
	return cmd
}

// loadSpec reads a project spec from a YAML (or JSON) file.
func loadSpec(path string) (model.ProjectSpec, error) {
	var spec model.ProjectSpec
	b, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return spec, fmt.Errorf("decode %s: %w", path, err)
	}
	return spec, nil
}

func newProjectCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		file string
		spec model.ProjectSpec
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from flags or a spec file",
		Example: `  autopress project create --name garden --keyword compost --keyword mulch \
      --target 10 --interval 60 --output-dir ./out/garden
  autopress project create --file garden.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			final := spec
			if file != "" {
				fromFile, err := loadSpec(file)
				if err != nil {
					return err
				}
				final = mergeSpec(fromFile, spec, cmd)
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine().CreateProject(ctx, final)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), p, func(w io.Writer) { renderProject(w, p, nil) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "project spec file (yaml or json)")
	f.StringVar(&spec.Name, "name", "", "project name")
	f.StringVar(&spec.Description, "description", "", "project description")
	f.StringSliceVarP(&spec.Keywords, "keyword", "k", nil, "keyword (repeatable or comma separated)")
	f.IntVar(&spec.TargetCount, "target", 0, "number of articles to produce")
	f.IntVar(&spec.PublishingInterval, "interval", 0, "minutes between publications")
	f.StringVar(&spec.OutputDirectory, "output-dir", "", "directory for generated articles")
	f.StringVar(&spec.Site, "site", "", "site name from config (default_site when empty)")
	return cmd
}

// mergeSpec overlays explicitly set flags onto a spec read from file.
func mergeSpec(base, flags model.ProjectSpec, cmd *cobra.Command) model.ProjectSpec {
	set := cmd.Flags().Changed
	if set("name") {
		base.Name = flags.Name
	}
	if set("description") {
		base.Description = flags.Description
	}
	if set("keyword") {
		base.Keywords = flags.Keywords
	}
	if set("target") {
		base.TargetCount = flags.TargetCount
	}
	if set("interval") {
		base.PublishingInterval = flags.PublishingInterval
	}
	if set("output-dir") {
		base.OutputDirectory = flags.OutputDirectory
	}
	if set("site") {
		base.Site = flags.Site
	}
	return base
}

func newProjectListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects in creation order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ps, err := a.Engine().Projects(ctx)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), ps, func(w io.Writer) { renderProjects(w, ps) })
			})
		},
	}
}

func newProjectShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its queue items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine().Project(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := a.Engine().QueueItems(ctx, queue.ByProject(p.ID))
				if err != nil {
					return err
				}
				out := struct {
					Project model.Project     `json:"project"`
					Items   []model.QueueItem `json:"items"`
				}{p, items}
				return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) { renderProject(w, p, items) })
			})
		},
	}
}

func newProjectStatusCommand(opts *rootOptions, use, short string, status model.ProjectStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine().SetStatus(ctx, args[0], status)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), p, func(w io.Writer) {
					fmt.Fprintf(w, "project %s is %s\n", p.ID, p.Status)
				})
			})
		},
	}
}

func newProjectRestartCommand(opts *rootOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "restart <project-id>",
		Short: "Reset a completed project to active with zero progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine().RestartProject(ctx, args[0])
				if err != nil {
					return err
				}
				if !run {
					return opts.emit(cmd.OutOrStdout(), p, func(w io.Writer) {
						fmt.Fprintf(w, "project %s restarted\n", p.ID)
					})
				}
				items, err := a.Engine().Run(ctx, p.ID)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), items, func(w io.Writer) { renderSchedule(w, items) })
			})
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "generate and schedule a new batch right away")
	return cmd
}

func newProjectRemoveCommand(opts *rootOptions) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:     "remove <project-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a project record (queue items stay unless --purge)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id := args[0]
				if err := a.Engine().RemoveProject(ctx, id); err != nil {
					return err
				}
				purged := 0
				if purge {
					n, err := a.Engine().PurgeProject(ctx, id)
					if err != nil {
						return err
					}
					purged = n
				}
				out := map[string]any{"removed": id, "purged_items": purged}
				return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "project %s removed", id)
					if purge {
						fmt.Fprintf(w, " (%d queue items purged)", purged)
					}
					fmt.Fprintln(w)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the project's queue items")
	return cmd
}
