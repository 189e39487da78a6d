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

package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	slogmulti "github.com/samber/slog-multi"

	"github.com/cardinalhq/cloudfetch/internal/helpers"
	"github.com/cardinalhq/cloudfetch/internal/logctx"
	"github.com/cardinalhq/cloudfetch/internal/objstore"
	"github.com/cardinalhq/cloudfetch/internal/rangedl"
	"github.com/cardinalhq/cloudfetch/internal/task"
)

// Downloader fetches a URL into a local file.
type Downloader interface {
	Download(ctx context.Context, url, dest string, retryLimit int) (int64, error)
}

// Storage is the object storage the worker delivers into.
type Storage interface {
	Mkdir(ctx context.Context, bucket, prefix string) (string, error)
	Upload(ctx context.Context, bucket, localPath, key string, partSize int64) error
	Download(ctx context.Context, bucket, key, localPath string) (int64, error)
}

type Options struct {
	// WorkDir holds one directory per task. Defaults to the current directory.
	WorkDir    string
	RetryLimit int
	PartSize   int64
	LogLevel   slog.Level
}

// TaskReport is the outcome of one task.
type TaskReport struct {
	ID        string
	Delivered []string
	Failed    []string
}

type Worker struct {
	store Storage
	dl    Downloader
	opts  Options
}

func New(store Storage, dl Downloader, opts Options) *Worker {
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = rangedl.DefaultRetryLimit
	}
	if opts.PartSize <= 0 {
		opts.PartSize = objstore.DefaultPartSize
	}
	return &Worker{store: store, dl: dl, opts: opts}
}

// Run executes every task of the descriptor in id order. A failed file never
// stops the files after it; all per-file errors are returned together.
func (w *Worker) Run(ctx context.Context, d task.Descriptor) ([]TaskReport, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	tasks, err := w.resolve(ctx, d)
	if err != nil {
		return nil, err
	}

	var (
		reports []TaskReport
		errs    *multierror.Error
	)
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		report, err := w.runTask(ctx, d.Bucket, t)
		reports = append(reports, report)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return reports, errs.ErrorOrNil()
}

// resolve returns the descriptor's tasks, fetching task files from storage
// when the descriptor only names them.
func (w *Worker) resolve(ctx context.Context, d task.Descriptor) ([]task.Task, error) {
	if !d.Remote() {
		return d.InlineTasks()
	}

	ll := logctx.FromContext(ctx)
	specs := map[string]task.Spec{}
	for _, key := range d.Tasks {
		local := filepath.Join(w.opts.WorkDir, "tasks", path.Base(key))
		if _, err := w.store.Download(ctx, d.Bucket, key, local); err != nil {
			return nil, fmt.Errorf("fetch task file %s: %w", key, err)
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, err
		}
		fileSpecs, err := task.DecodeTaskFile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		ll.Info("Loaded task file", slog.String("key", key), slog.Int("tasks", len(fileSpecs)))
		maps.Copy(specs, fileSpecs)
	}
	return task.TasksFromSpecs(specs)
}

func (w *Worker) runTask(ctx context.Context, bucket string, t task.Task) (TaskReport, error) {
	report := TaskReport{ID: t.ID()}

	dir := filepath.Join(w.opts.WorkDir, t.ID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return report, fmt.Errorf("task %s: %w", t.ID(), err)
	}

	logPath := filepath.Join(dir, t.LogName())
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return report, fmt.Errorf("task %s: open log: %w", t.ID(), err)
	}
	logClosed := false
	defer func() {
		if !logClosed {
			_ = logFile.Close()
		}
	}()

	base := logctx.FromContext(ctx)
	ll := slog.New(slogmulti.Fanout(
		base.Handler(),
		slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: w.opts.LogLevel}),
	)).With(slog.String("taskID", t.ID()))
	ctx = logctx.WithLogger(ctx, ll)

	logDiskUsage(ctx, dir)

	if _, err := w.store.Mkdir(ctx, bucket, t.Prefix()); err != nil {
		ll.Error("Failed to create task marker", slog.Any("error", err))
		return report, fmt.Errorf("task %s: %w", t.ID(), err)
	}

	var errs *multierror.Error
	manifest := &Manifest{}
	for _, p := range t.Pairs() {
		sum, err := w.deliver(ctx, bucket, t, dir, p)
		if err != nil {
			ll.Error("File failed", slog.String("url", p.URL), slog.String("output", p.Output), slog.Any("error", err))
			report.Failed = append(report.Failed, p.Output)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", p.Output, err))
			continue
		}
		manifest.Add(sum, p.Output)
		report.Delivered = append(report.Delivered, p.Output)
	}

	ll.Info("Create md5", slog.Int("entries", manifest.Len()))
	manifestPath := filepath.Join(dir, t.ManifestName())
	if err := os.WriteFile(manifestPath, manifest.Bytes(), 0o644); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("write manifest: %w", err))
	} else if err := w.store.Upload(ctx, bucket, manifestPath, t.ManifestKey(), w.opts.PartSize); err != nil {
		ll.Error("Failed to upload manifest", slog.Any("error", err))
		errs = multierror.Append(errs, fmt.Errorf("upload manifest: %w", err))
	}

	logDiskUsage(ctx, dir)
	ll.Info("Task finished", slog.Int("delivered", len(report.Delivered)), slog.Int("failed", len(report.Failed)))

	// the log is uploaded after it is closed so the object is complete
	logClosed = true
	if err := logFile.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close log: %w", err))
	}
	if err := w.store.Upload(ctx, bucket, logPath, t.LogKey(), w.opts.PartSize); err != nil {
		base.Error("Failed to upload task log", slog.String("taskID", t.ID()), slog.Any("error", err))
		errs = multierror.Append(errs, fmt.Errorf("upload log: %w", err))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return report, fmt.Errorf("task %s: %w", t.ID(), err)
	}
	return report, nil
}

// deliver downloads one URL and, only when that succeeded, uploads it and
// returns its MD5.
func (w *Worker) deliver(ctx context.Context, bucket string, t task.Task, dir string, p task.Pair) (string, error) {
	ll := logctx.FromContext(ctx)
	local := filepath.Join(dir, p.Output)

	ll.Info("Download", slog.String("url", p.URL), slog.String("path", local))
	n, err := w.dl.Download(ctx, p.URL, local, w.opts.RetryLimit)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	ll.Info("Download success", slog.String("url", p.URL), slog.Int64("bytes", n))

	key := t.OutputKey(p.Output)
	if err := w.store.Upload(ctx, bucket, local, key, w.opts.PartSize); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	sum, err := fileMD5(local)
	if err != nil {
		return "", err
	}
	return sum, nil
}

// diskWarnPercent is the work disk usage above which a task logs a warning.
const diskWarnPercent = 90

func logDiskUsage(ctx context.Context, dir string) {
	ll := logctx.FromContext(ctx)
	usage, err := helpers.DiskUsage(dir)
	if err != nil {
		ll.Warn("Failed to check disk usage", slog.String("dir", dir), slog.Any("error", err))
		return
	}
	attrs := []any{
		slog.String("dir", dir),
		slog.Uint64("freeBytes", usage.FreeBytes),
		slog.Float64("usedPercent", usage.UsedPercent()),
	}
	if usage.UsedPercent() > diskWarnPercent {
		ll.Warn("Work disk is nearly full", attrs...)
		return
	}
	ll.Info("Work disk usage", attrs...)
}

func fileMD5(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsPartial reports whether err left some outputs undelivered rather than
// failing the run outright.
func IsPartial(err error) bool {
	var merr *multierror.Error
	return errors.As(err, &merr)
}
