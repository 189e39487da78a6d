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
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCommand(t *testing.T, name string) *cobra.Command {
	t.Helper()
	for _, c := range rootCmd.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("command %q is not registered", name)
	return nil
}

func TestSubcommandsTakeExactlyOneConfig(t *testing.T) {
	for _, name := range []string{"get", "worker"} {
		t.Run(name, func(t *testing.T) {
			c := findCommand(t, name)
			assert.Error(t, c.Args(c, nil))
			assert.NoError(t, c.Args(c, []string{"cloudfetch.json"}))
			assert.Error(t, c.Args(c, []string{"a.json", "b.json"}))
		})
	}
}

func TestRunWorkerRejectsEmptyDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudfetch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ak": "a", "sk": "s", "region": "r", "bucket": "b"}`), 0o600))

	err := runWorker(context.Background(), path)
	assert.Error(t, err)
}

func TestRunGetMissingConfig(t *testing.T) {
	err := runGet(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
