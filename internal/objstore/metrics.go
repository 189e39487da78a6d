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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	uploadCount    metric.Int64Counter
	uploadErrors   metric.Int64Counter
	uploadBytes    metric.Int64Counter
	downloadErrors metric.Int64Counter
	downloadBytes  metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/cloudfetch/internal/objstore")

	var err error
	uploadCount, err = meter.Int64Counter(
		"cloudfetch.objstore.upload.count",
		metric.WithDescription("Number of objects uploaded"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.count counter: %w", err))
	}

	uploadErrors, err = meter.Int64Counter(
		"cloudfetch.objstore.upload.errors",
		metric.WithDescription("Number of failed uploads, by stage"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.errors counter: %w", err))
	}

	uploadBytes, err = meter.Int64Counter(
		"cloudfetch.objstore.upload.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes stored by completed uploads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create upload.bytes counter: %w", err))
	}

	downloadErrors, err = meter.Int64Counter(
		"cloudfetch.objstore.download.errors",
		metric.WithDescription("Number of failed object downloads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.errors counter: %w", err))
	}

	downloadBytes, err = meter.Int64Counter(
		"cloudfetch.objstore.download.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes fetched by object downloads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.bytes counter: %w", err))
	}
}
