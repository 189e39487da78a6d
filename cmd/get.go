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
	"strings"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/cloudfetch/config"
	"github.com/cardinalhq/cloudfetch/internal/compute"
	"github.com/cardinalhq/cloudfetch/internal/orchestrator"
	"github.com/cardinalhq/cloudfetch/internal/rangedl"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <config>",
		Short: "Download the configured URLs on a temporary server",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			servicename := "cloudfetch-get"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			return runGet(doneCtx, args[0])
		},
	}

	rootCmd.AddCommand(cmd)
}

func runGet(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	mgr, err := newManager(ctx, cfg.Credentials)
	if err != nil {
		return err
	}
	if err := mgr.Verify(ctx); err != nil {
		return err
	}

	store, err := newStore(ctx, mgr, cfg.Credentials)
	if err != nil {
		return err
	}
	ec2Client, err := mgr.GetEC2(ctx)
	if err != nil {
		return fmt.Errorf("failed to create compute client: %w", err)
	}
	cc := compute.NewClient(compute.NewEC2Provider(ec2Client))
	prober := rangedl.New(rangedl.DefaultOptions())

	o := orchestrator.New(orchestrator.Config{
		Credentials:   cfg.Credentials,
		Bucket:        cfg.Bucket,
		Image:         cfg.Compute.Image,
		Flavors:       cfg.Compute.Flavors,
		PollInterval:  cfg.Compute.PollInterval,
		BootstrapPath: cfg.Compute.BootstrapPath,
		WorkerCommand: cfg.Compute.WorkerCommand,
	}, prober, store, cc)

	res, err := o.Get(ctx, orchestrator.Request{URLs: cfg.URLs, Outputs: cfg.Outputs})
	if err != nil {
		if res.ServerID != "" {
			slog.Error("Get failed", slog.String("serverID", res.ServerID), slog.Any("error", err))
		}
		return err
	}

	slog.Info("Get finished",
		slog.String("taskID", res.TaskID),
		slog.String("bucket", res.Bucket),
		slog.String("prefix", res.Date+"/"+res.TaskID+"/"),
		slog.Bool("alreadyPresent", res.AlreadyPresent),
		slog.Int("succeeded", len(res.Succeeded)),
		slog.Int("failed", len(res.Failed)))
	for _, name := range res.Succeeded {
		slog.Info("Delivered", slog.String("output", name))
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d files were not delivered: %s",
			len(res.Failed), len(res.Failed)+len(res.Succeeded), strings.Join(res.Failed, ", "))
	}
	return nil
}
