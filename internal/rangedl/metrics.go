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

package rangedl

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	downloadCount  metric.Int64Counter
	downloadErrors metric.Int64Counter
	downloadBytes  metric.Int64Counter
	rangeAttempts  metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/cloudfetch/internal/rangedl")

	var err error
	downloadCount, err = meter.Int64Counter(
		"cloudfetch.http.download.count",
		metric.WithDescription("Number of completed URL downloads"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.count counter: %w", err))
	}

	downloadErrors, err = meter.Int64Counter(
		"cloudfetch.http.download.errors",
		metric.WithDescription("Number of URL downloads given up on"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.errors counter: %w", err))
	}

	downloadBytes, err = meter.Int64Counter(
		"cloudfetch.http.download.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Bytes appended to local files from range requests"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.bytes counter: %w", err))
	}

	rangeAttempts, err = meter.Int64Counter(
		"cloudfetch.http.range.attempts",
		metric.WithDescription("Number of range requests issued"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create range.attempts counter: %w", err))
	}
}
