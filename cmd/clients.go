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

	"github.com/cardinalhq/cloudfetch/internal/awsclient"
	"github.com/cardinalhq/cloudfetch/internal/objstore"
	"github.com/cardinalhq/cloudfetch/internal/task"
)

func newManager(ctx context.Context, creds task.Credentials) (*awsclient.Manager, error) {
	mgr, err := awsclient.NewManager(ctx, awsclient.Account{
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
		Region:    creds.Region,
		ProjectID: creds.ProjectID,
		Endpoint:  creds.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud session: %w", err)
	}
	return mgr, nil
}

func newStore(ctx context.Context, mgr *awsclient.Manager, creds task.Credentials) (*objstore.Store, error) {
	var opts []awsclient.S3Option
	if creds.Endpoint != "" {
		opts = append(opts, awsclient.WithPathStyle())
	}
	s3Client, err := mgr.GetS3(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return objstore.New(s3Client), nil
}
