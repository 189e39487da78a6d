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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/cloudfetch/internal/objstore"
	"github.com/cardinalhq/cloudfetch/internal/task"
)

func TestDiskSizeGB(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  int
	}{
		{"empty", 0, 50},
		{"small", 1 << 20, 50},
		{"just under floor band", 27 * gb, 50},
		{"exactly five bands", 48 * gb, 60},
		{"rounds up", 49 * gb, 70},
		{"large", 100 * gb, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiskSizeGB(tt.bytes))
		})
	}
}

func TestDiskSizeNeverBelowMinimum(t *testing.T) {
	for b := int64(0); b < 60*gb; b += 3 * gb {
		assert.GreaterOrEqual(t, DiskSizeGB(b), 50)
	}
}

func TestReconcile(t *testing.T) {
	tk, err := task.New([]string{"http://h/a.txt", "http://h/b.txt"}, nil, time.Now())
	require.NoError(t, err)

	listing := objstore.NewListing(
		objstore.Object{Key: tk.Prefix()},
		objstore.Object{Key: tk.OutputKey("a.txt")},
		objstore.Object{Key: tk.ManifestKey()},
	)
	succeeded, failed := Reconcile(tk, listing)
	assert.Equal(t, []string{"a.txt"}, succeeded)
	assert.Equal(t, []string{"b.txt"}, failed)
}

func TestReconcileIgnoresOtherPrefixes(t *testing.T) {
	tk, err := task.New([]string{"http://h/a.txt"}, nil, time.Now())
	require.NoError(t, err)

	listing := objstore.NewListing(objstore.Object{Key: "19990101/" + tk.ID() + "/a.txt"})
	succeeded, failed := Reconcile(tk, listing)
	assert.Empty(t, succeeded)
	assert.Equal(t, []string{"a.txt"}, failed)
}

func TestProgressReportsEachOutputOnce(t *testing.T) {
	tk, err := task.New([]string{"http://h/a", "http://h/b"}, nil, time.Now())
	require.NoError(t, err)
	p := newProgress(tk)

	assert.Empty(t, p.update(objstore.NewListing()))
	assert.Equal(t, []string{"a"}, p.update(objstore.NewListing(objstore.Object{Key: tk.OutputKey("a")})))
	assert.Empty(t, p.update(objstore.NewListing(objstore.Object{Key: tk.OutputKey("a")})))
	assert.Equal(t, []string{"b"}, p.update(objstore.NewListing(
		objstore.Object{Key: tk.OutputKey("a")},
		objstore.Object{Key: tk.OutputKey("b")},
	)))
	assert.Equal(t, 2, p.done())
}

func TestBootstrapScript(t *testing.T) {
	got := BootstrapScript("cloudfetch", "/etc/cloudfetch.json")
	assert.Equal(t, "#!/bin/bash\ncloudfetch worker /etc/cloudfetch.json\nshutdown -h now\n", got)
}
