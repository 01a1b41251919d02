package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"autopress/internal/app"
)

type rootOptions struct {
	cfgPath string
	json    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "autopress",
		Short:         "Generate articles and publish them to WordPress on a schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.cfgPath, "config", "./autopress.yaml", "path to config file (yaml or json)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print results as JSON")

	cmd.AddCommand(
		newDaemonCommand(opts),
		newProjectCommand(opts),
		newRunCommand(opts),
		newQueueCommand(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCommand().ExecuteContext(context.Background())
}

// withApp opens the app for a one-shot command and closes it afterwards.
func (o *rootOptions) withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(o.cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// emit prints v as JSON when --json is set, otherwise calls human.
func (o *rootOptions) emit(w io.Writer, v any, human func(w io.Writer)) error {
	if !o.json {
		human(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
