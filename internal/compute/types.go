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
	"context"
	"errors"
)

var (
	ErrFlavorNotFound = errors.New("compute: no zone offers flavor")
	ErrJobFailed      = errors.New("compute: job failed")
	ErrJobTimeout     = errors.New("compute: job still running after wait budget")
	ErrDeleteFailed   = errors.New("compute: server delete failed")
	ErrUserDataSize   = errors.New("compute: bootstrap payload exceeds the user data limit")
)

// MaxUserDataBytes is the EC2 limit on the encoded user data of an instance.
const MaxUserDataBytes = 16 * 1024

// JobStatus is the state of an asynchronous cloud job.
type JobStatus string

const (
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFail    JobStatus = "FAIL"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFail
}

// SubJob is the per-server part of a job.
type SubJob struct {
	ServerID string
	Status   JobStatus
}

// Job is an asynchronous create or delete operation.
type Job struct {
	ID      string
	Status  JobStatus
	SubJobs []SubJob
	Reason  string
}

// SucceededServers returns the server ids of the successful sub-jobs.
func (j Job) SucceededServers() []string {
	var ids []string
	for _, s := range j.SubJobs {
		if s.Status == JobSuccess && s.ServerID != "" {
			ids = append(ids, s.ServerID)
		}
	}
	return ids
}

// ServerStatus is the lifecycle state of a server.
type ServerStatus string

const (
	ServerBuild   ServerStatus = "BUILD"
	ServerActive  ServerStatus = "ACTIVE"
	ServerShutoff ServerStatus = "SHUTOFF"
	ServerDeleted ServerStatus = "DELETED"
	ServerError   ServerStatus = "ERROR"
)

// Done reports whether the server will not run the worker any further.
func (s ServerStatus) Done() bool {
	return s == ServerShutoff || s == ServerDeleted || s == ServerError
}

// Server is a snapshot of one instance.
type Server struct {
	ID     string
	Name   string
	Status ServerStatus
	Zone   string
	Flavor string
}

// BootstrapFile is a file placed on the instance before the startup script runs.
type BootstrapFile struct {
	Path    string
	Content []byte
}

// InstanceRequest describes a worker instance to create.
type InstanceRequest struct {
	Name            string
	Flavor          string
	DiskGB          int
	Image           string
	BootstrapFile   BootstrapFile
	BootstrapScript string
	Tags            map[string]string
}

// CreateSpec is what a Provider receives to launch an instance. File
// contents and the script are base64 encoded.
type CreateSpec struct {
	Name          string
	Flavor        string
	Zone          string
	DiskGB        int
	Image         string
	FilePath      string
	FileContent   string
	ScriptContent string
	Tags          map[string]string
}

// Provider is the vendor compute API.
type Provider interface {
	AvailabilityZones(ctx context.Context) ([]string, error)
	Flavors(ctx context.Context, zone string) ([]string, error)
	// SubmitCreate launches an instance and returns its server id and the id
	// of the job tracking the launch.
	SubmitCreate(ctx context.Context, spec CreateSpec) (serverID, jobID string, err error)
	// SubmitDelete deletes the server together with its public address and
	// root volume.
	SubmitDelete(ctx context.Context, serverID string) (jobID string, err error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetServer(ctx context.Context, serverID string) (Server, error)
}
