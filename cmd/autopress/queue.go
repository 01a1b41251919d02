package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"autopress/internal/app"
	"autopress/internal/model"
	"autopress/internal/queue"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Inspect and maintain the publishing queue",
	}
	cmd.AddCommand(
		newQueueStatusCommand(opts),
		newQueueListCommand(opts),
		newQueueDueCommand(opts),
		newQueueRescheduleCommand(opts),
		newQueueClearCommand(opts),
		newQueueTickCommand(opts),
	)
	return cmd
}

func parseStatuses(raw []string) ([]model.ItemStatus, error) {
	out := make([]model.ItemStatus, 0, len(raw))
	for _, r := range raw {
		s := model.ItemStatus(r)
		if !s.Valid() {
			return nil, fmt.Errorf("unknown item status %q (queued, published, failed, error)", r)
		}
		out = append(out, s)
	}
	return out, nil
}

func newQueueStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count items per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine().QueueStatus(ctx)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), s, func(w io.Writer) { renderSummary(w, s) })
			})
		},
	}
}

func newQueueListCommand(opts *rootOptions) *cobra.Command {
	var (
		projectID string
		statuses  []string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queue items",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sts, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			pred := queue.ByProject(projectID)
			if len(sts) > 0 {
				pred = queue.And(pred, queue.ByStatus(sts...))
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine().QueueItems(ctx, pred)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), items, func(w io.Writer) { renderItems(w, items) })
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "only items of this project")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only items in these statuses")
	return cmd
}

func newQueueDueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "List items the next tick would publish, in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine().DueItems(ctx)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), items, func(w io.Writer) { renderItems(w, items) })
			})
		},
	}
}

func newQueueRescheduleCommand(opts *rootOptions) *cobra.Command {
	var (
		projectID string
		backoff   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reschedule",
		Short: "Move failed and error items back to queued at now+backoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine().RescheduleFailed(ctx, projectID, backoff)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), map[string]int{"rescheduled": n}, func(w io.Writer) {
					fmt.Fprintf(w, "%d items rescheduled\n", n)
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "only items of this project (all when empty)")
	cmd.Flags().DurationVar(&backoff, "backoff", 0, "delay before the retry (scheduler.reschedule_backoff when 0)")
	return cmd
}

func newQueueClearCommand(opts *rootOptions) *cobra.Command {
	var (
		projectID string
		statuses  []string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete queue items (published items by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sts, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			switch {
			case all && len(sts) > 0:
				return fmt.Errorf("--all and --status are mutually exclusive")
			case !all && len(sts) == 0:
				sts = []model.ItemStatus{model.ItemPublished}
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine().ClearQueue(ctx, projectID, sts...)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), map[string]int{"cleared": n}, func(w io.Writer) {
					fmt.Fprintf(w, "%d items cleared\n", n)
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "only items of this project (all when empty)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "statuses to clear (default published)")
	cmd.Flags().BoolVar(&all, "all", false, "clear items in every status")
	return cmd
}

func newQueueTickCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one publishing pass over the due items now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine().Tick(ctx)
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), rep, func(w io.Writer) {
					fmt.Fprintf(w, "due=%d published=%d failed=%d error=%d skipped=%d took=%s\n",
						rep.Due, rep.Published, rep.Failed, rep.Errored, rep.Skipped, rep.Took.Round(time.Millisecond))
				})
			})
		},
	}
}
