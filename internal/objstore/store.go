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

package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/cloudfetch/internal/awsclient"
	"github.com/cardinalhq/cloudfetch/internal/logctx"
)

// S3API is the part of the S3 client the store calls. *s3.Client satisfies it.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

var ErrMkdirRejected = errors.New("objstore: directory marker rejected")

// Store is the object storage client used by the orchestrator and worker.
//
// Listings are read straight from the backend on every call. The store
// assumes read-after-write consistency for new objects, which S3 and the
// S3-compatible stores we target provide; with an eventually consistent
// backend a freshly uploaded object may show up one listing late.
type Store struct {
	api          S3API
	tracer       trace.Tracer
	partRetries  uint
	retryBackoff time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPartRetries sets how many times each multipart part is attempted.
func WithPartRetries(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.partRetries = n
		}
	}
}

// WithRetryBackoff sets the initial wait between part attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Store) {
		s.retryBackoff = d
	}
}

// New builds a Store on an S3 client from the awsclient manager.
func New(c *awsclient.S3Client, opts ...Option) *Store {
	return NewWithAPI(c.Client, c.Tracer, opts...)
}

// NewWithAPI builds a Store on any S3API implementation.
func NewWithAPI(api S3API, tracer trace.Tracer, opts ...Option) *Store {
	if tracer == nil {
		tracer = otel.Tracer("github.com/cardinalhq/cloudfetch/internal/objstore")
	}
	s := &Store{
		api:          api,
		tracer:       tracer,
		partRetries:  DefaultPartRetries,
		retryBackoff: time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Mkdir creates the zero-byte marker object for prefix. A trailing slash is
// added when missing; the normalized prefix is returned.
func (s *Store) Mkdir(ctx context.Context, bucket, prefix string) (string, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	ctx, span := s.tracer.Start(ctx, "objstore.Mkdir",
		trace.WithAttributes(
			attribute.String("bucketID", bucket),
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(prefix),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		logctx.FromContext(ctx).Error("Can not mkdir", slog.String("bucket", bucket), slog.String("prefix", prefix), slog.Any("error", err))
		return "", fmt.Errorf("%w: %s/%s: %w", ErrMkdirRejected, bucket, prefix, err)
	}
	logctx.FromContext(ctx).Debug("Directory marker created", slog.String("bucket", bucket), slog.String("prefix", prefix))
	return prefix, nil
}

// Put stores data under key with a single request. It is meant for small
// documents; files go through Upload.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte) error {
	ctx, span := s.tracer.Start(ctx, "objstore.Put",
		trace.WithAttributes(
			attribute.String("bucketID", bucket),
			attribute.String("objectID", key),
		),
	)
	defer span.End()

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket), attribute.String("stage", "put")))
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	uploadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
	uploadBytes.Add(ctx, int64(len(data)), metric.WithAttributes(attribute.String("bucket", bucket)))
	return nil
}

// List returns every object under prefix in listing order, following
// continuation tokens until the listing is exhausted.
func (s *Store) List(ctx context.Context, bucket, prefix string) (*Listing, error) {
	ctx, span := s.tracer.Start(ctx, "objstore.List",
		trace.WithAttributes(
			attribute.String("bucketID", bucket),
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	listing := newListing()
	var token *string
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		for _, o := range out.Contents {
			listing.add(objectFrom(o))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	logctx.FromContext(ctx).Debug("Listed objects", slog.String("bucket", bucket), slog.String("prefix", prefix), slog.Int("count", listing.Len()))
	return listing, nil
}

// Download fetches key into localPath with the SDK download manager.
// Parent directories are created as needed.
func (s *Store) Download(ctx context.Context, bucket, key, localPath string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "objstore.Download",
		trace.WithAttributes(
			attribute.String("bucketID", bucket),
			attribute.String("objectID", key),
		),
	)
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", localPath, err)
	}

	downloader := newDownloader(s.api)
	size, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		_ = f.Close()
		_ = os.Remove(localPath)
		reason := "unknown"
		if isNotFound(err) {
			reason = "not_found"
		}
		downloadErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("reason", reason),
		))
		return 0, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", localPath, err)
	}

	downloadBytes.Add(ctx, size, metric.WithAttributes(attribute.String("bucket", bucket)))
	return size, nil
}

// newDownloader fetches parts one at a time; the worker is single-threaded.
func newDownloader(api manager.DownloadAPIClient) *manager.Downloader {
	return manager.NewDownloader(api, func(d *manager.Downloader) {
		d.Concurrency = 1
	})
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey)
}
