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

package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBoolEnv(t *testing.T) {
	const name = "CLOUDFETCH_TEST_BOOL"
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"true", false, true},
		{"YES", false, true},
		{"1", false, true},
		{"Enabled", false, true},
		{"false", true, false},
		{"OFF", true, false},
		{"0", true, false},
		{"", true, true},
		{"", false, false},
		{"  ", false, false},
		{"something", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(name, tt.value)
			assert.Equal(t, tt.expected, GetBoolEnv(name, tt.def))
		})
	}
}

func TestDebugEnabled(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("CLOUDFETCH_DEBUG", "")
	assert.False(t, DebugEnabled())

	t.Setenv("CLOUDFETCH_DEBUG", "1")
	assert.True(t, DebugEnabled())
}

func TestDiskUsage(t *testing.T) {
	u, err := DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, u.TotalBytes)
	assert.LessOrEqual(t, u.FreeBytes, u.TotalBytes)
	assert.Equal(t, u.TotalBytes-u.FreeBytes, u.UsedBytes)
	assert.GreaterOrEqual(t, u.UsedPercent(), 0.0)
	assert.LessOrEqual(t, u.UsedPercent(), 100.0)
}

func TestDiskUsageMissingPath(t *testing.T) {
	_, err := DiskUsage("/definitely/not/here")
	assert.Error(t, err)
}

func TestUsedPercentEmpty(t *testing.T) {
	assert.Equal(t, 0.0, FSUsage{}.UsedPercent())
}
