package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/orchestrator"
)

type runOptions struct {
	mode     string
	trigger  string
	entities []string
	lock     bool
}

// newRunCmd executes one run in the foreground, for cron dispatch.
func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one integrity run and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", string(models.RunModeIncremental), "Run mode: incremental or full")
	cmd.Flags().StringVar(&opts.trigger, "trigger", string(models.TriggerManual), "Trigger: manual, nightly or weekly")
	cmd.Flags().StringSliceVar(&opts.entities, "entity", nil, "Restrict the run to these entity types (repeatable)")
	cmd.Flags().BoolVar(&opts.lock, "lock", true, "Take the cross-replica run lock in Redis")
	return cmd
}

func runOnce(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	a, err := newApp(ctx, cfg, logger, appOptions{coordinate: opts.lock})
	if err != nil {
		logger.WithError(err).Error("Failed to start dependencies")
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to stop dependencies cleanly")
		}
	}()

	run, err := a.orchestrator.ExecuteRun(ctx, orchestrator.RunRequest{
		Mode:     models.RunMode(opts.mode),
		Entities: opts.entities,
		Trigger:  models.Trigger(opts.trigger),
	})
	if run == nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(run); encErr != nil {
		return encErr
	}
	if err != nil {
		return err
	}

	switch run.Status {
	case models.RunStatusSuccess, models.RunStatusWarning:
		return nil
	default:
		return fmt.Errorf("run %s ended %s", run.RunID, run.Status)
	}
}
