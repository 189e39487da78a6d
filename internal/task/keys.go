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

package task

import "fmt"

// Prefix is the storage folder holding everything delivered for the task,
// "<date>/<id>/".
func (t Task) Prefix() string {
	return fmt.Sprintf("%s/%s/", t.date, t.id)
}

// DatePrefix is the date partition marker, "<date>/".
func (t Task) DatePrefix() string {
	return t.date + "/"
}

// OutputKey is the object key of a delivered output.
func (t Task) OutputKey(output string) string {
	return t.Prefix() + output
}

// OutputKeys returns the object keys of all expected outputs, in output order.
func (t Task) OutputKeys() []string {
	keys := make([]string, len(t.outputs))
	for i, o := range t.outputs {
		keys[i] = t.OutputKey(o)
	}
	return keys
}

// ManifestKey is the object key of the checksum manifest.
func (t Task) ManifestKey() string {
	return t.Prefix() + t.ManifestName()
}

// LogKey is the object key of the worker's execution log.
func (t Task) LogKey() string {
	return t.Prefix() + t.LogName()
}

// TaskFileKey is where the task is stored when it is handed to the worker as
// a task file, "tasks/<date>/<id>.json". It lives outside the task prefix.
func (t Task) TaskFileKey() string {
	return fmt.Sprintf("tasks/%s/%s.json", t.date, t.id)
}

func (t Task) ManifestName() string { return t.id + ".md5" }
func (t Task) LogName() string      { return t.id + ".log" }
