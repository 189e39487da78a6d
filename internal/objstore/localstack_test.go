//go:build localstacktest

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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/localstack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cardinalhq/cloudfetch/internal/awsclient"
)

// TestLocalStackRoundTrip exercises the store against a real S3 API served
// by LocalStack: marker, multipart upload, listing and download.
func TestLocalStackRoundTrip(t *testing.T) {
	p := localstack.Preset(localstack.WithServices(localstack.S3))
	container, err := gnomock.Start(p)
	require.NoError(t, err)
	defer func() { _ = gnomock.Stop(container) }()

	ctx := context.Background()
	endpoint := fmt.Sprintf("http://%s", container.Address(localstack.APIPort))

	mgr, err := awsclient.NewManager(ctx, awsclient.Account{
		AccessKey: "test",
		SecretKey: "test",
		Region:    "us-east-1",
		Endpoint:  endpoint,
	})
	require.NoError(t, err)

	client, err := mgr.GetS3(ctx, awsclient.WithPathStyle())
	require.NoError(t, err)

	_, err = client.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("cloudfetch")})
	require.NoError(t, err)

	store := New(client)

	prefix, err := store.Mkdir(ctx, "cloudfetch", "20250101/abc")
	require.NoError(t, err)

	// three parts: 5 MiB, 5 MiB, remainder
	data := pattern(11 * 1024 * 1024)
	local := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(local, data, 0o644))
	require.NoError(t, store.Upload(ctx, "cloudfetch", local, prefix+"big.bin", 5*1024*1024))

	listing, err := store.List(ctx, "cloudfetch", prefix)
	require.NoError(t, err)
	assert.True(t, listing.Has(prefix))
	assert.True(t, listing.Has(prefix+"big.bin"))

	dest := filepath.Join(t.TempDir(), "back.bin")
	n, err := store.Download(ctx, "cloudfetch", prefix+"big.bin", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
