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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardinalhq/cloudfetch/internal/compute"
	"github.com/cardinalhq/cloudfetch/internal/idgen"
	"github.com/cardinalhq/cloudfetch/internal/logctx"
	"github.com/cardinalhq/cloudfetch/internal/objstore"
	"github.com/cardinalhq/cloudfetch/internal/task"
)

const (
	DefaultPollInterval  = 60 * time.Second
	DefaultBootstrapPath = "/etc/cloudfetch.json"
	DefaultWorkerCommand = "cloudfetch"
	instanceNamePrefix   = "download_"

	// inlineDescriptorLimit bounds the descriptor carried in the bootstrap
	// file. It is base64 encoded twice on its way into the instance user
	// data, so larger tasks are handed over as a task file in storage.
	inlineDescriptorLimit = 6 * 1024
)

// DefaultFlavors are tried in order when a request names none.
var DefaultFlavors = []string{"t3.small", "t3.medium"}

var (
	ErrNoFlavor      = errors.New("orchestrator: no candidate flavor is available in any zone")
	ErrContentLength = errors.New("orchestrator: content length unavailable")
)

// Prober reports the size of a remote file.
type Prober interface {
	ContentLength(ctx context.Context, url string) (int64, error)
}

// Storage is the object storage view the orchestrator needs.
type Storage interface {
	Mkdir(ctx context.Context, bucket, prefix string) (string, error)
	List(ctx context.Context, bucket, prefix string) (*objstore.Listing, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// Compute is the instance lifecycle the orchestrator drives.
type Compute interface {
	ZoneForFlavor(ctx context.Context, flavor string) (string, error)
	CreateInstance(ctx context.Context, req compute.InstanceRequest) (string, error)
	ShowServer(ctx context.Context, serverID string) (compute.Server, error)
	DeleteInstance(ctx context.Context, serverID string) error
}

// Config holds what every task launched by an Orchestrator shares.
type Config struct {
	Credentials   task.Credentials
	Bucket        string
	Image         string
	Flavors       []string
	PollInterval  time.Duration
	BootstrapPath string
	WorkerCommand string
}

// Request is one download task.
type Request struct {
	URLs    []string
	Outputs []string
	Bucket  string
	Flavors []string
}

// Result reports the outcome of a task per output name.
type Result struct {
	RunID          string
	TaskID         string
	Date           string
	Bucket         string
	ServerID       string
	AlreadyPresent bool
	Succeeded      []string
	Failed         []string
}

type Orchestrator struct {
	cfg     Config
	prober  Prober
	store   Storage
	compute Compute
	now     func() time.Time
}

func New(cfg Config, prober Prober, store Storage, cc Compute) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BootstrapPath == "" {
		cfg.BootstrapPath = DefaultBootstrapPath
	}
	if cfg.WorkerCommand == "" {
		cfg.WorkerCommand = DefaultWorkerCommand
	}
	if len(cfg.Flavors) == 0 {
		cfg.Flavors = DefaultFlavors
	}
	return &Orchestrator{
		cfg:     cfg,
		prober:  prober,
		store:   store,
		compute: cc,
		now:     time.Now,
	}
}

// Get runs one task end to end: it skips provisioning when every output is
// already stored, otherwise it launches a worker instance, follows it until
// it shuts down, deletes it and reconciles the outputs against storage.
func (o *Orchestrator) Get(ctx context.Context, req Request) (Result, error) {
	runID := idgen.NewRunID()
	ctx, ll := logctx.With(ctx, slog.String("runID", runID))

	t, err := task.New(req.URLs, req.Outputs, o.now())
	if err != nil {
		return Result{RunID: runID}, err
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = o.cfg.Bucket
	}
	res := Result{RunID: runID, TaskID: t.ID(), Date: t.Date(), Bucket: bucket}
	ctx, ll = logctx.With(ctx, slog.String("taskID", t.ID()))

	total, err := o.probe(ctx, t.URLs())
	if err != nil {
		return res, err
	}
	diskGB := DiskSizeGB(total)
	ll.Info("Task sized", slog.Int64("bytes", total), slog.Int("diskGB", diskGB), slog.Int("files", len(t.URLs())))

	if _, err := o.store.Mkdir(ctx, bucket, t.DatePrefix()); err != nil {
		return res, err
	}

	listing, err := o.store.List(ctx, bucket, t.Prefix())
	if err != nil {
		return res, err
	}
	if succeeded, failed := Reconcile(t, listing); len(failed) == 0 {
		ll.Info("All outputs already stored, skipping", slog.String("prefix", t.Prefix()))
		res.AlreadyPresent = true
		res.Succeeded = succeeded
		return res, nil
	}

	flavors := req.Flavors
	if len(flavors) == 0 {
		flavors = o.cfg.Flavors
	}
	flavor, err := o.pickFlavor(ctx, flavors)
	if err != nil {
		return res, err
	}

	payload, err := o.descriptor(ctx, bucket, t)
	if err != nil {
		return res, err
	}

	serverID, err := o.compute.CreateInstance(ctx, compute.InstanceRequest{
		Name:            instanceNamePrefix + t.ID(),
		Flavor:          flavor,
		DiskGB:          diskGB,
		Image:           o.cfg.Image,
		BootstrapFile:   compute.BootstrapFile{Path: o.cfg.BootstrapPath, Content: payload},
		BootstrapScript: BootstrapScript(o.cfg.WorkerCommand, o.cfg.BootstrapPath),
		Tags: map[string]string{
			"cloudfetch.task": t.ID(),
			"cloudfetch.run":  runID,
		},
	})
	res.ServerID = serverID
	if err != nil {
		if serverID != "" {
			o.cleanup(ctx, serverID)
		}
		return res, err
	}
	ctx, ll = logctx.With(ctx, slog.String("serverID", serverID))

	status, err := o.follow(ctx, bucket, t, serverID)
	if err != nil {
		ll.Warn("Stopped following server, it is still running", slog.Any("error", err))
		return res, err
	}

	var deleteErr error
	if status != compute.ServerDeleted {
		deleteErr = o.compute.DeleteInstance(ctx, serverID)
		if deleteErr != nil {
			ll.Error("Failed to delete server", slog.Any("error", deleteErr))
		}
	}

	listing, err = o.store.List(ctx, bucket, t.Prefix())
	if err != nil {
		return res, errors.Join(err, deleteErr)
	}
	res.Succeeded, res.Failed = Reconcile(t, listing)
	for _, name := range res.Failed {
		ll.Error("File failed", slog.String("output", name))
	}
	ll.Info("Task finished", slog.Int("succeeded", len(res.Succeeded)), slog.Int("failed", len(res.Failed)))
	return res, deleteErr
}

// descriptor encodes what the worker runs from. Small tasks travel inline;
// larger ones are stored as a task file that the descriptor names.
func (o *Orchestrator) descriptor(ctx context.Context, bucket string, t task.Task) ([]byte, error) {
	payload, err := task.NewDescriptor(o.cfg.Credentials, bucket, t).Encode()
	if err != nil {
		return nil, fmt.Errorf("encode task descriptor: %w", err)
	}
	if len(payload) <= inlineDescriptorLimit {
		return payload, nil
	}

	data, err := task.EncodeTaskFile(t)
	if err != nil {
		return nil, fmt.Errorf("encode task file: %w", err)
	}
	key := t.TaskFileKey()
	if err := o.store.Put(ctx, bucket, key, data); err != nil {
		return nil, fmt.Errorf("store task file: %w", err)
	}
	logctx.FromContext(ctx).Info("Task stored as task file", slog.String("key", key), slog.Int("bytes", len(data)))

	payload, err = task.NewRemoteDescriptor(o.cfg.Credentials, bucket, key).Encode()
	if err != nil {
		return nil, fmt.Errorf("encode task descriptor: %w", err)
	}
	return payload, nil
}

func (o *Orchestrator) probe(ctx context.Context, urls []string) (int64, error) {
	ll := logctx.FromContext(ctx)
	var total int64
	for _, u := range urls {
		size, err := o.prober.ContentLength(ctx, u)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrContentLength, u, err)
		}
		ll.Debug("Probed", slog.String("url", u), slog.Int64("bytes", size))
		total += size
	}
	return total, nil
}

func (o *Orchestrator) pickFlavor(ctx context.Context, flavors []string) (string, error) {
	for _, f := range flavors {
		zone, err := o.compute.ZoneForFlavor(ctx, f)
		if err != nil {
			return "", err
		}
		if zone != "" {
			logctx.FromContext(ctx).Info("Flavor selected", slog.String("flavor", f), slog.String("zone", zone))
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrNoFlavor, flavors)
}

// follow polls the server and the task prefix until the server is done,
// logging outputs as they appear. It returns the last server status.
func (o *Orchestrator) follow(ctx context.Context, bucket string, t task.Task, serverID string) (compute.ServerStatus, error) {
	ll := logctx.FromContext(ctx)
	progress := newProgress(t)
	for {
		if err := sleep(ctx, o.cfg.PollInterval); err != nil {
			return "", err
		}

		srv, err := o.compute.ShowServer(ctx, serverID)
		if err != nil {
			ll.Warn("Failed to show server", slog.Any("error", err))
			continue
		}

		if listing, err := o.store.List(ctx, bucket, t.Prefix()); err != nil {
			ll.Warn("Failed to list task prefix", slog.Any("error", err))
		} else {
			for _, name := range progress.update(listing) {
				ll.Info("File completed", slog.String("output", name))
			}
		}

		ll.Debug("Server status", slog.String("status", string(srv.Status)), slog.Int("completed", progress.done()))
		if srv.Status.Done() {
			ll.Info("Server finished", slog.String("status", string(srv.Status)))
			return srv.Status, nil
		}
	}
}

// cleanup deletes a server whose creation did not complete.
func (o *Orchestrator) cleanup(ctx context.Context, serverID string) {
	ll := logctx.FromContext(ctx)
	ll.Warn("Deleting server left by failed creation", slog.String("serverID", serverID))
	if err := o.compute.DeleteInstance(context.WithoutCancel(ctx), serverID); err != nil {
		ll.Error("Cleanup failed, server may be leaked", slog.String("serverID", serverID), slog.Any("error", err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
