// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/cloudfetch/config"
	"github.com/cardinalhq/cloudfetch/internal/helpers"
	"github.com/cardinalhq/cloudfetch/internal/rangedl"
	"github.com/cardinalhq/cloudfetch/internal/worker"
)

func init() {
	cmd := &cobra.Command{
		Use:   "worker <config>",
		Short: "Run the tasks of a descriptor and deliver them to object storage",
		Long: `Run on the provisioned server from its bootstrap script. Each task's files
are downloaded into the work directory, uploaded under <date>/<task id>/, and
followed by a checksum manifest and the task log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			servicename := "cloudfetch-worker"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			return runWorker(doneCtx, args[0])
		},
	}

	rootCmd.AddCommand(cmd)
}

func runWorker(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	d := cfg.Descriptor()
	if err := d.Validate(); err != nil {
		return err
	}

	mgr, err := newManager(ctx, cfg.Credentials)
	if err != nil {
		return err
	}
	store, err := newStore(ctx, mgr, cfg.Credentials)
	if err != nil {
		return err
	}

	dlOpts := rangedl.DefaultOptions()
	dlOpts.RetryLimit = cfg.Worker.RetryLimit

	level := slog.LevelInfo
	if helpers.DebugEnabled() {
		level = slog.LevelDebug
	}

	w := worker.New(store, rangedl.New(dlOpts), worker.Options{
		WorkDir:    cfg.Worker.WorkDir,
		RetryLimit: cfg.Worker.RetryLimit,
		PartSize:   cfg.Worker.PartSize,
		LogLevel:   level,
	})

	reports, err := w.Run(ctx, d)
	for _, r := range reports {
		slog.Info("Task report",
			slog.String("taskID", r.ID),
			slog.Any("delivered", r.Delivered),
			slog.Any("failed", r.Failed))
	}
	if err != nil {
		if worker.IsPartial(err) {
			slog.Warn("Some files were not delivered", slog.Any("error", err))
		}
		return err
	}
	return nil
}
