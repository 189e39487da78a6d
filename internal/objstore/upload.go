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
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/cloudfetch/internal/logctx"
)

const (
	// DefaultPartSize is the multipart part size used when none is given.
	DefaultPartSize int64 = 20 * 1024 * 1024
	// MaxParts is the most parts a single multipart upload may have.
	MaxParts = 10000
	// DefaultPartRetries is how many times a part is attempted before the
	// upload is aborted.
	DefaultPartRetries uint = 3
)

var (
	ErrTooManyParts = errors.New("objstore: file needs more parts than allowed")
	ErrPartFailed   = errors.New("objstore: part upload failed")
)

// Part is one byte range of a multipart upload.
type Part struct {
	Number int32
	Offset int64
	Size   int64
}

// PlanParts splits a file of fileSize bytes into parts of partSize bytes.
// Every part except the last has exactly partSize bytes, the parts are
// contiguous and their sizes sum to fileSize. A zero-byte file has no parts.
func PlanParts(fileSize, partSize int64) []Part {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	if fileSize <= 0 {
		return nil
	}
	count := (fileSize + partSize - 1) / partSize
	parts := make([]Part, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * partSize
		size := partSize
		if i == count-1 {
			size = fileSize - offset
		}
		parts = append(parts, Part{Number: int32(i + 1), Offset: offset, Size: size})
	}
	return parts
}

// UploadSession tracks one multipart upload and the ETags of the parts
// uploaded so far.
type UploadSession struct {
	Bucket   string
	Key      string
	UploadID string
	etags    map[int32]string
}

func (u *UploadSession) record(n int32, etag string) {
	if u.etags == nil {
		u.etags = map[int32]string{}
	}
	u.etags[n] = etag
}

// Completed returns the recorded parts sorted by ascending part number.
func (u *UploadSession) Completed() []types.CompletedPart {
	parts := make([]types.CompletedPart, 0, len(u.etags))
	for n, etag := range u.etags {
		parts = append(parts, types.CompletedPart{
			PartNumber: aws.Int32(n),
			ETag:       aws.String(etag),
		})
	}
	slices.SortFunc(parts, func(a, b types.CompletedPart) int {
		return int(aws.ToInt32(a.PartNumber)) - int(aws.ToInt32(b.PartNumber))
	})
	return parts
}

// Upload stores the local file at localPath under key using a multipart
// upload with parts of partSize bytes (DefaultPartSize when <= 0). Each part
// carries its own Content-MD5. Parts are sent one at a time, and each is
// retried with backoff before the whole upload is aborted. A zero-byte file
// is stored with a single PutObject.
func (s *Store) Upload(ctx context.Context, bucket, localPath, key string, partSize int64) error {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}

	ctx, span := s.tracer.Start(ctx, "objstore.Upload",
		trace.WithAttributes(
			attribute.String("bucketID", bucket),
			attribute.String("objectID", key),
		),
	)
	defer span.End()

	f, err := os.Open(localPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open file")
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	fileSize := st.Size()
	span.SetAttributes(attribute.Int64("fileSize", fileSize))

	if fileSize == 0 {
		return s.putEmpty(ctx, bucket, key)
	}

	parts := PlanParts(fileSize, partSize)
	if len(parts) > MaxParts {
		err := fmt.Errorf("%w: %s needs %d parts of %d bytes", ErrTooManyParts, localPath, len(parts), partSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, "too many parts")
		return err
	}

	created, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket), attribute.String("stage", "initiate")))
		return fmt.Errorf("initiate multipart upload %s/%s: %w", bucket, key, err)
	}
	session := &UploadSession{Bucket: bucket, Key: key, UploadID: aws.ToString(created.UploadId)}

	logctx.FromContext(ctx).Debug("Multipart upload started",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.String("uploadID", session.UploadID),
		slog.Int("parts", len(parts)))

	for _, p := range parts {
		etag, err := s.uploadPart(ctx, f, session, p)
		if err != nil {
			s.abort(ctx, session)
			uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket), attribute.String("stage", "part")))
			span.RecordError(err)
			span.SetStatus(codes.Error, "part upload failed")
			return fmt.Errorf("%w: %s part %d: %w", ErrPartFailed, key, p.Number, err)
		}
		session.record(p.Number, etag)
		logctx.FromContext(ctx).Debug("Part uploaded", slog.String("key", key), slog.Int("part", int(p.Number)), slog.Int("of", len(parts)))
	}

	_, err = s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(session.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: session.Completed()},
	})
	if err != nil {
		s.abort(ctx, session)
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket), attribute.String("stage", "complete")))
		return fmt.Errorf("complete multipart upload %s/%s: %w", bucket, key, err)
	}

	uploadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
	uploadBytes.Add(ctx, fileSize, metric.WithAttributes(attribute.String("bucket", bucket)))
	logctx.FromContext(ctx).Info("Upload complete", slog.String("bucket", bucket), slog.String("key", key), slog.Int64("size", fileSize))
	return nil
}

func (s *Store) putEmpty(ctx context.Context, bucket, key string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		uploadErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket), attribute.String("stage", "put")))
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	uploadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", bucket)))
	return nil
}

func (s *Store) uploadPart(ctx context.Context, f io.ReaderAt, session *UploadSession, p Part) (string, error) {
	sum, err := partMD5(f, p)
	if err != nil {
		return "", err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryBackoff
	eb.MaxInterval = 30 * time.Second

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(session.Bucket),
			Key:           aws.String(session.Key),
			UploadId:      aws.String(session.UploadID),
			PartNumber:    aws.Int32(p.Number),
			ContentLength: aws.Int64(p.Size),
			ContentMD5:    aws.String(sum),
			Body:          io.NewSectionReader(f, p.Offset, p.Size),
		})
		if err != nil {
			return "", err
		}
		return aws.ToString(out.ETag), nil
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(s.partRetries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logctx.FromContext(ctx).Warn("Part upload failed, retrying",
				slog.String("key", session.Key),
				slog.Int("part", int(p.Number)),
				slog.Int("attempt", attempt),
				slog.Duration("wait", d),
				slog.Any("error", err))
		}),
	)
}

// abort releases the server-side state of an unfinished upload. It runs on a
// context detached from cancellation so a cancelled upload is still cleaned up.
func (s *Store) abort(ctx context.Context, session *UploadSession) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, err := s.api.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(session.Bucket),
		Key:      aws.String(session.Key),
		UploadId: aws.String(session.UploadID),
	})
	if err != nil {
		logctx.FromContext(ctx).Error("Failed to abort multipart upload",
			slog.String("key", session.Key),
			slog.String("uploadID", session.UploadID),
			slog.Any("error", err))
		return
	}
	logctx.FromContext(ctx).Warn("Multipart upload aborted", slog.String("key", session.Key), slog.String("uploadID", session.UploadID))
}

// partMD5 returns the base64 MD5 digest of the bytes of p, as sent in Content-MD5.
func partMD5(f io.ReaderAt, p Part) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, p.Offset, p.Size)); err != nil {
		return "", fmt.Errorf("hash part %d: %w", p.Number, err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
