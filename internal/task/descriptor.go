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
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Credentials are the plain account settings handed to the worker.
type Credentials struct {
	AccessKey string `json:"ak" mapstructure:"ak"`
	SecretKey string `json:"sk" mapstructure:"sk"`
	Region    string `json:"region" mapstructure:"region"`
	ProjectID string `json:"project_id,omitempty" mapstructure:"project_id"`
	// Endpoint overrides the object storage endpoint (S3-compatible stores).
	Endpoint string `json:"endpoint,omitempty" mapstructure:"endpoint"`
}

// Spec is one task entry of a descriptor, keyed by task id.
type Spec struct {
	Date    string   `json:"date" mapstructure:"date"`
	URLs    []string `json:"urls" mapstructure:"urls"`
	Outputs []string `json:"outs" mapstructure:"outs"`
}

// Descriptor is the document the worker runs from. Either Task carries the
// work inline, or Tasks lists storage keys of task files holding it.
type Descriptor struct {
	Credentials `mapstructure:",squash"`
	Bucket      string          `json:"bucket" mapstructure:"bucket"`
	Task        map[string]Spec `json:"task,omitempty" mapstructure:"task"`
	Tasks       []string        `json:"tasks,omitempty" mapstructure:"tasks"`
}

var ErrEmptyDescriptor = errors.New("task: descriptor has no tasks")

// NewDescriptor embeds the given tasks inline.
func NewDescriptor(creds Credentials, bucket string, tasks ...Task) Descriptor {
	d := Descriptor{
		Credentials: creds,
		Bucket:      bucket,
		Task:        make(map[string]Spec, len(tasks)),
	}
	for _, t := range tasks {
		d.Task[t.ID()] = t.Spec()
	}
	return d
}

// NewRemoteDescriptor names task files in storage instead of carrying the
// tasks inline.
func NewRemoteDescriptor(creds Credentials, bucket string, keys ...string) Descriptor {
	return Descriptor{
		Credentials: creds,
		Bucket:      bucket,
		Tasks:       slices.Clone(keys),
	}
}

func (d Descriptor) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func DecodeDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	return d, nil
}

// Remote reports whether the task list lives in storage rather than inline.
func (d Descriptor) Remote() bool {
	return len(d.Task) == 0 && len(d.Tasks) > 0
}

// Validate checks the fields every worker run needs.
func (d Descriptor) Validate() error {
	if d.Bucket == "" {
		return errors.New("task: descriptor bucket is empty")
	}
	if d.Region == "" {
		return errors.New("task: descriptor region is empty")
	}
	if len(d.Task) == 0 && len(d.Tasks) == 0 {
		return ErrEmptyDescriptor
	}
	return nil
}

// InlineTasks returns the inline tasks ordered by id.
func (d Descriptor) InlineTasks() ([]Task, error) {
	return TasksFromSpecs(d.Task)
}

// DecodeTaskFile decodes a task file fetched from storage: a JSON object
// mapping task id to Spec.
func DecodeTaskFile(data []byte) (map[string]Spec, error) {
	var specs map[string]Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode task file: %w", err)
	}
	return specs, nil
}

// EncodeTaskFile encodes tasks in the task file format read by DecodeTaskFile.
func EncodeTaskFile(tasks ...Task) ([]byte, error) {
	specs := make(map[string]Spec, len(tasks))
	for _, t := range tasks {
		specs[t.ID()] = t.Spec()
	}
	return json.Marshal(specs)
}

// TasksFromSpecs rebuilds tasks from a spec mapping, ordered by id.
func TasksFromSpecs(specs map[string]Spec) ([]Task, error) {
	ids := slices.Sorted(maps.Keys(specs))
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := FromSpec(id, specs[id])
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
