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

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.opentelemetry.io/otel/trace"
)

type EC2Client struct {
	Client *ec2.Client
	Tracer trace.Tracer
}

// GetEC2 returns an EC2 client in the manager's region.
func (m *Manager) GetEC2(ctx context.Context) (*EC2Client, error) {
	cfg := m.baseCfg.Copy()
	return &EC2Client{Client: ec2.NewFromConfig(cfg), Tracer: m.tracer}, nil
}
