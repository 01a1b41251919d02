package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"autopress/internal/app"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <project-id>",
		Short: "Generate the remaining articles of a project and schedule them",
		Long: `Generates every remaining article of the project, then enqueues them at
now, now+interval, now+2*interval, ... The running daemon (or "queue tick")
publishes them when they fall due.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine().Run(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), items, func(w io.Writer) { renderSchedule(w, items) })
			})
		},
	}
}
