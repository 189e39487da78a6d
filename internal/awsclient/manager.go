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

package awsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Manager holds the account session shared by the compute and storage clients.
// It is created once per process and passed to whoever needs a client.
type Manager struct {
	baseCfg   aws.Config
	stsClient *sts.Client
	projectID string
	endpoint  string
	tracer    trace.Tracer
}

// Account identifies the credentials a Manager is built from. The keys come
// from plain configuration, never from the ambient AWS credential chain.
type Account struct {
	AccessKey string
	SecretKey string
	Region    string
	ProjectID string
	// Endpoint overrides the object storage endpoint (S3-compatible stores).
	Endpoint string
}

// NewManager builds the base AWS config from static keys and a region.
func NewManager(ctx context.Context, acct Account) (*Manager, error) {
	if acct.Region == "" {
		return nil, errors.New("awsclient: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(acct.Region),
	}
	if acct.AccessKey != "" || acct.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(acct.AccessKey, acct.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return &Manager{
		baseCfg:   cfg,
		stsClient: sts.NewFromConfig(cfg),
		projectID: acct.ProjectID,
		endpoint:  acct.Endpoint,
		tracer:    otel.Tracer("github.com/cardinalhq/cloudfetch/internal/awsclient"),
	}, nil
}

func (m *Manager) Region() string    { return m.baseCfg.Region }
func (m *Manager) ProjectID() string { return m.projectID }

// Verify checks that the configured keys are accepted by the account,
// logging the caller identity.
func (m *Manager) Verify(ctx context.Context) error {
	slog.Info("Connecting to cloud account", slog.String("region", m.baseCfg.Region))
	out, err := m.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		slog.Error("Connect failed", slog.Any("error", err))
		return fmt.Errorf("verify credentials: %w", err)
	}
	slog.Info("Connect success",
		slog.String("account", aws.ToString(out.Account)),
		slog.String("arn", aws.ToString(out.Arn)),
		slog.String("projectID", m.projectID))
	return nil
}
