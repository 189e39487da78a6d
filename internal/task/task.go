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

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"
)

// DateLayout is the layout of the date partition at the top of the storage layout.
const DateLayout = "20060102"

var (
	ErrNoURLs          = errors.New("task: no urls")
	ErrOutputMismatch  = errors.New("task: url and output counts differ")
	ErrEmptyOutput     = errors.New("task: empty output name")
	ErrDuplicateOutput = errors.New("task: duplicate output name")
)

// Task is a set of source URLs and the object names they are delivered under.
// A Task is immutable once built by New.
type Task struct {
	id      string
	date    string
	urls    []string
	outputs []string
}

// New builds a Task. When outputs is empty, each output name is the last path
// segment of its URL.
func New(urls, outputs []string, now time.Time) (Task, error) {
	if len(urls) == 0 {
		return Task{}, ErrNoURLs
	}
	if len(outputs) == 0 {
		outputs = DefaultOutputs(urls)
	}
	if err := validate(urls, outputs); err != nil {
		return Task{}, err
	}

	return Task{
		id:      Fingerprint(urls),
		date:    now.UTC().Format(DateLayout),
		urls:    slices.Clone(urls),
		outputs: slices.Clone(outputs),
	}, nil
}

// FromSpec rebuilds a Task from a descriptor entry, keeping its id and date.
func FromSpec(id string, s Spec) (Task, error) {
	if len(s.URLs) == 0 {
		return Task{}, ErrNoURLs
	}
	if err := validate(s.URLs, s.Outputs); err != nil {
		return Task{}, err
	}
	return Task{
		id:      id,
		date:    s.Date,
		urls:    slices.Clone(s.URLs),
		outputs: slices.Clone(s.Outputs),
	}, nil
}

// validate checks that every url has exactly one non-empty output name and
// that no two urls share an output, since each output maps to one object key.
func validate(urls, outputs []string) error {
	if len(outputs) != len(urls) {
		return fmt.Errorf("%w: %d urls, %d outputs", ErrOutputMismatch, len(urls), len(outputs))
	}
	seen := make(map[string]string, len(outputs))
	for i, o := range outputs {
		if o == "" {
			return fmt.Errorf("%w: url %q", ErrEmptyOutput, urls[i])
		}
		if prev, ok := seen[o]; ok {
			return fmt.Errorf("%w: %q used by %q and %q", ErrDuplicateOutput, o, prev, urls[i])
		}
		seen[o] = urls[i]
	}
	return nil
}

func (t Task) ID() string        { return t.id }
func (t Task) Date() string      { return t.date }
func (t Task) URLs() []string    { return slices.Clone(t.urls) }
func (t Task) Outputs() []string { return slices.Clone(t.outputs) }

// Pairs returns the (url, output) pairs in input order.
func (t Task) Pairs() []Pair {
	pairs := make([]Pair, len(t.urls))
	for i := range t.urls {
		pairs[i] = Pair{URL: t.urls[i], Output: t.outputs[i]}
	}
	return pairs
}

// Spec is the serializable form of the task.
func (t Task) Spec() Spec {
	return Spec{Date: t.date, URLs: t.URLs(), Outputs: t.Outputs()}
}

// Pair is one download: a source URL and the output name it is stored under.
type Pair struct {
	URL    string
	Output string
}

// Fingerprint is the hex MD5 of the sorted URL list joined by "|".
// It does not depend on the order of urls.
func Fingerprint(urls []string) string {
	sorted := slices.Clone(urls)
	slices.Sort(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}

// DefaultOutputs derives output names from the last path segment of each URL.
func DefaultOutputs(urls []string) []string {
	outs := make([]string, len(urls))
	for i, u := range urls {
		outs[i] = baseName(u)
	}
	return outs
}

func baseName(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		if b := path.Base(u.Path); b != "/" && b != "." {
			return b
		}
	}
	parts := strings.Split(raw, "/")
	return parts[len(parts)-1]
}
