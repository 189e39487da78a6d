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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var instanceOps metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/cardinalhq/cloudfetch/internal/compute")

	var err error
	instanceOps, err = meter.Int64Counter(
		"cloudfetch.compute.instance.operations",
		metric.WithDescription("Instance create and delete operations, by result"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create instance.operations counter: %w", err))
	}
}
