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

package worker

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Manifest is the checksum listing uploaded next to a task's outputs, one
// "<md5hex>\t<output>" line per delivered file.
type Manifest struct {
	entries []manifestEntry
}

type manifestEntry struct {
	sum  string
	name string
}

func (m *Manifest) Add(sum, name string) {
	m.entries = append(m.entries, manifestEntry{sum: sum, name: name})
}

func (m *Manifest) Len() int { return len(m.entries) }

func (m *Manifest) Bytes() []byte {
	var b bytes.Buffer
	for _, e := range m.entries {
		fmt.Fprintf(&b, "%s\t%s\n", e.sum, e.name)
	}
	return b.Bytes()
}

// ParseManifest reads a manifest back into output name -> md5 hex.
func ParseManifest(data []byte) (map[string]string, error) {
	sums := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		sum, name, ok := strings.Cut(text, "\t")
		if !ok || sum == "" || name == "" {
			return nil, fmt.Errorf("manifest line %d: malformed", line)
		}
		sums[name] = sum
	}
	return sums, sc.Err()
}
