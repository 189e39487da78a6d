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

package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/cloudfetch/internal/logctx"
)

const (
	DefaultCreateAttempts = 5
	DefaultDeleteAttempts = 10
	DefaultJobInterval    = 20 * time.Second
	DefaultFlavorTTL      = 10 * time.Minute
)

// Client drives instance lifecycles on top of a Provider.
type Client struct {
	provider       Provider
	flavorCache    *ttlcache.Cache[string, flavorCacheValue]
	jobInterval    time.Duration
	createAttempts int
	deleteAttempts int
}

type flavorCacheValue struct {
	flavors []string
	error
}

// Option configures a Client.
type Option func(*Client)

// WithJobInterval sets the wait between job polls.
func WithJobInterval(d time.Duration) Option {
	return func(c *Client) { c.jobInterval = d }
}

// WithAttempts sets the poll budgets for create and delete jobs.
func WithAttempts(create, del int) Option {
	return func(c *Client) {
		if create > 0 {
			c.createAttempts = create
		}
		if del > 0 {
			c.deleteAttempts = del
		}
	}
}

// WithFlavorTTL sets how long zone flavor lists are cached.
func WithFlavorTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.flavorCache = ttlcache.New(ttlcache.WithTTL[string, flavorCacheValue](ttl))
	}
}

func NewClient(p Provider, opts ...Option) *Client {
	c := &Client{
		provider:       p,
		flavorCache:    ttlcache.New(ttlcache.WithTTL[string, flavorCacheValue](DefaultFlavorTTL)),
		jobInterval:    DefaultJobInterval,
		createAttempts: DefaultCreateAttempts,
		deleteAttempts: DefaultDeleteAttempts,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AvailabilityZones lists the zones of the region.
func (c *Client) AvailabilityZones(ctx context.Context) ([]string, error) {
	zones, err := c.provider.AvailabilityZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("list availability zones: %w", err)
	}
	return zones, nil
}

// Flavors lists the flavor names offered in zone. Results are cached per zone.
func (c *Client) Flavors(ctx context.Context, zone string) ([]string, error) {
	loader := ttlcache.LoaderFunc[string, flavorCacheValue](
		func(cache *ttlcache.Cache[string, flavorCacheValue], key string) *ttlcache.Item[string, flavorCacheValue] {
			flavors, err := c.provider.Flavors(ctx, key)
			return cache.Set(key, flavorCacheValue{flavors: flavors, error: err}, ttlcache.DefaultTTL)
		},
	)
	v := c.flavorCache.Get(zone, ttlcache.WithLoader(loader))
	if v == nil {
		return nil, errors.New("failed to get flavors from cache")
	}
	if err := v.Value().error; err != nil {
		c.flavorCache.Delete(zone)
		return nil, fmt.Errorf("list flavors in %s: %w", zone, err)
	}
	return v.Value().flavors, nil
}

// ZoneForFlavor returns the first zone offering flavor, or "" when none does.
func (c *Client) ZoneForFlavor(ctx context.Context, flavor string) (string, error) {
	logctx.FromContext(ctx).Info("Looking for zone with flavor", slog.String("flavor", flavor))
	zones, err := c.AvailabilityZones(ctx)
	if err != nil {
		return "", err
	}
	for _, zone := range zones {
		flavors, err := c.Flavors(ctx, zone)
		if err != nil {
			return "", err
		}
		if slices.Contains(flavors, flavor) {
			logctx.FromContext(ctx).Info("Found zone", slog.String("flavor", flavor), slog.String("zone", zone))
			return zone, nil
		}
	}
	logctx.FromContext(ctx).Info("No zone offers flavor", slog.String("flavor", flavor))
	return "", nil
}

// CreateInstance launches an instance and waits for its creation job. The
// returned server id is set whenever the launch was submitted, including
// when the job failed or timed out, so callers can clean up.
func (c *Client) CreateInstance(ctx context.Context, req InstanceRequest) (string, error) {
	zone, err := c.ZoneForFlavor(ctx, req.Flavor)
	if err != nil {
		return "", err
	}
	if zone == "" {
		logctx.FromContext(ctx).Error("Flavor not found", slog.String("flavor", req.Flavor))
		return "", fmt.Errorf("%w: %s", ErrFlavorNotFound, req.Flavor)
	}

	spec := CreateSpec{
		Name:          req.Name,
		Flavor:        req.Flavor,
		Zone:          zone,
		DiskGB:        req.DiskGB,
		Image:         req.Image,
		FilePath:      req.BootstrapFile.Path,
		FileContent:   base64.StdEncoding.EncodeToString(req.BootstrapFile.Content),
		ScriptContent: base64.StdEncoding.EncodeToString([]byte(req.BootstrapScript)),
		Tags:          req.Tags,
	}

	logctx.FromContext(ctx).Info("Creating server",
		slog.String("name", req.Name),
		slog.String("flavor", req.Flavor),
		slog.String("zone", zone),
		slog.Int("rootGB", req.DiskGB))

	serverID, jobID, err := c.provider.SubmitCreate(ctx, spec)
	if err != nil {
		instanceOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "create"), attribute.String("result", "rejected")))
		return serverID, fmt.Errorf("submit create %s: %w", req.Name, err)
	}
	logctx.FromContext(ctx).Info("Job submitted", slog.String("serverID", serverID), slog.String("jobID", jobID))

	_, err = c.WaitForJob(ctx, jobID, c.createAttempts, c.jobInterval)
	if err != nil {
		if errors.Is(err, ErrJobTimeout) {
			logctx.FromContext(ctx).Warn("Server creation did not finish, server may be leaked", slog.String("serverID", serverID), slog.String("jobID", jobID))
		} else {
			logctx.FromContext(ctx).Error("Create server failed", slog.String("serverID", serverID), slog.Any("error", err))
		}
		instanceOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "create"), attribute.String("result", "failed")))
		return serverID, err
	}

	status := ServerStatus("unknown")
	if srv, err := c.provider.GetServer(ctx, serverID); err == nil {
		status = srv.Status
	}
	logctx.FromContext(ctx).Info("Create server success", slog.String("serverID", serverID), slog.String("status", string(status)))
	instanceOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "create"), attribute.String("result", "success")))
	return serverID, nil
}

// WaitForJob sleeps interval then polls the job, up to maxAttempts times.
// SUCCESS returns the job; FAIL returns ErrJobFailed; a job still RUNNING
// after the last poll returns ErrJobTimeout.
func (c *Client) WaitForJob(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (Job, error) {
	var job Job
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := sleep(ctx, interval); err != nil {
			return job, err
		}
		var err error
		job, err = c.provider.GetJob(ctx, jobID)
		if err != nil {
			return job, fmt.Errorf("get job %s: %w", jobID, err)
		}
		if !job.Status.Terminal() {
			continue
		}
		if job.Status == JobFail {
			logctx.FromContext(ctx).Debug("Job failed", slog.String("jobID", jobID), slog.Int("attempt", attempt))
			return job, fmt.Errorf("%w: %s: %s", ErrJobFailed, jobID, job.Reason)
		}
		logctx.FromContext(ctx).Debug("Job succeeded", slog.String("jobID", jobID), slog.Int("attempt", attempt))
		return job, nil
	}
	logctx.FromContext(ctx).Error("Job is still running", slog.String("jobID", jobID), slog.Int("attempts", maxAttempts))
	return job, fmt.Errorf("%w: %s", ErrJobTimeout, jobID)
}

// DeleteInstance deletes the server with its public address and volume and
// waits for the job. It fails unless the server is among the job's
// successful sub-jobs.
func (c *Client) DeleteInstance(ctx context.Context, serverID string) error {
	logctx.FromContext(ctx).Info("Deleting server", slog.String("serverID", serverID))
	jobID, err := c.provider.SubmitDelete(ctx, serverID)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeleteFailed, serverID, err)
	}
	job, err := c.WaitForJob(ctx, jobID, c.deleteAttempts, c.jobInterval)
	if err != nil && !errors.Is(err, ErrJobFailed) {
		return err
	}
	if !slices.Contains(job.SucceededServers(), serverID) {
		logctx.FromContext(ctx).Error("Delete server failed", slog.String("serverID", serverID))
		instanceOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "delete"), attribute.String("result", "failed")))
		return fmt.Errorf("%w: %s", ErrDeleteFailed, serverID)
	}
	logctx.FromContext(ctx).Info("Delete server success", slog.String("serverID", serverID))
	instanceOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "delete"), attribute.String("result", "success")))
	return nil
}

// ShowServer returns the current state of the server.
func (c *Client) ShowServer(ctx context.Context, serverID string) (Server, error) {
	srv, err := c.provider.GetServer(ctx, serverID)
	if err != nil {
		return Server{}, fmt.Errorf("show server %s: %w", serverID, err)
	}
	return srv, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
