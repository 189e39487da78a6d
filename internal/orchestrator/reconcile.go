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

package orchestrator

import (
	"fmt"
	"math"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/cloudfetch/internal/objstore"
	"github.com/cardinalhq/cloudfetch/internal/task"
)

const (
	gib       = 1 << 30
	minDiskGB = 50
)

// DiskSizeGB sizes the worker root disk for totalBytes of downloads:
// n = (GiB + 2) / 10, at least 4 and otherwise rounded up, giving (n+1)*10 GB.
func DiskSizeGB(totalBytes int64) int {
	n := (float64(totalBytes)/gib + 2) / 10
	if n < 5 {
		n = 4
	} else {
		n = math.Ceil(n)
	}
	size := int(n+1) * 10
	if size < minDiskGB {
		size = minDiskGB
	}
	return size
}

// BootstrapScript is the startup script run on the worker instance: it runs
// the worker on the descriptor and powers the instance off.
func BootstrapScript(command, descriptorPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "%s worker %s\n", command, descriptorPath)
	b.WriteString("shutdown -h now\n")
	return b.String()
}

// Reconcile splits the task outputs into those stored under the task prefix
// and those missing, both in task order.
func Reconcile(t task.Task, listing *objstore.Listing) (succeeded, failed []string) {
	expected := mapset.NewSet[string]()
	present := mapset.NewSet[string]()
	for _, name := range t.Outputs() {
		expected.Add(name)
		if listing.Has(t.OutputKey(name)) {
			present.Add(name)
		}
	}
	missing := expected.Difference(present)
	for _, name := range t.Outputs() {
		if missing.Contains(name) {
			failed = append(failed, name)
		} else {
			succeeded = append(succeeded, name)
		}
	}
	return succeeded, failed
}

// progress remembers which outputs were already reported during polling.
type progress struct {
	t        task.Task
	reported mapset.Set[string]
}

func newProgress(t task.Task) *progress {
	return &progress{t: t, reported: mapset.NewThreadUnsafeSet[string]()}
}

// update returns the outputs present in listing that were not reported before.
func (p *progress) update(listing *objstore.Listing) []string {
	var fresh []string
	for _, name := range p.t.Outputs() {
		if !p.reported.Contains(name) && listing.Has(p.t.OutputKey(name)) {
			p.reported.Add(name)
			fresh = append(fresh, name)
		}
	}
	return fresh
}

func (p *progress) done() int { return p.reported.Cardinality() }
