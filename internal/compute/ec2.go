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
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/cardinalhq/cloudfetch/internal/awsclient"
	"github.com/cardinalhq/cloudfetch/internal/logctx"
)

// EC2API is the part of the EC2 client the provider calls. *ec2.Client satisfies it.
type EC2API interface {
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	DescribeInstanceTypeOfferings(ctx context.Context, params *ec2.DescribeInstanceTypeOfferingsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

var _ EC2API = (*ec2.Client)(nil)

const (
	createJobPrefix = "create:"
	deleteJobPrefix = "delete:"

	// bootstrapScriptPath is where the decoded startup script is written on the instance.
	bootstrapScriptPath = "/var/lib/cloudfetch/bootstrap.sh"
)

// EC2Provider runs workers on Amazon EC2. EC2 has no job objects, so jobs
// are derived from instance states: a job id names the operation and the
// instance ids it covers.
type EC2Provider struct {
	api EC2API
}

var _ Provider = (*EC2Provider)(nil)

func NewEC2Provider(c *awsclient.EC2Client) *EC2Provider {
	return &EC2Provider{api: c.Client}
}

func NewEC2ProviderWithAPI(api EC2API) *EC2Provider {
	return &EC2Provider{api: api}
}

func (p *EC2Provider) AvailabilityZones(ctx context.Context) ([]string, error) {
	out, err := p.api.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, err
	}
	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, z := range out.AvailabilityZones {
		zones = append(zones, aws.ToString(z.ZoneName))
	}
	return zones, nil
}

func (p *EC2Provider) Flavors(ctx context.Context, zone string) ([]string, error) {
	var flavors []string
	var token *string
	for {
		out, err := p.api.DescribeInstanceTypeOfferings(ctx, &ec2.DescribeInstanceTypeOfferingsInput{
			LocationType: types.LocationTypeAvailabilityZone,
			Filters:      []types.Filter{{Name: aws.String("location"), Values: []string{zone}}},
			NextToken:    token,
		})
		if err != nil {
			return nil, err
		}
		for _, o := range out.InstanceTypeOfferings {
			flavors = append(flavors, string(o.InstanceType))
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		token = out.NextToken
	}
	return flavors, nil
}

func (p *EC2Provider) SubmitCreate(ctx context.Context, spec CreateSpec) (string, string, error) {
	ud := userData(spec)
	if len(ud) > MaxUserDataBytes {
		return "", "", fmt.Errorf("%w: %d bytes, limit %d", ErrUserDataSize, len(ud), MaxUserDataBytes)
	}
	subnetID, err := p.defaultSubnet(ctx, spec.Zone)
	if err != nil {
		return "", "", err
	}
	rootDevice, err := p.rootDevice(ctx, spec.Image)
	if err != nil {
		return "", "", err
	}

	tags := []types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}}
	for _, k := range slices.Sorted(maps.Keys(spec.Tags)) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(spec.Tags[k])})
	}

	out, err := p.api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:                           aws.String(spec.Image),
		InstanceType:                      types.InstanceType(spec.Flavor),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		ClientToken:                       aws.String(uuid.NewString()),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorStop,
		UserData:                          aws.String(ud),
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String(rootDevice),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(spec.DiskGB)),
				VolumeType:          types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(subnetID),
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
		}},
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
			{ResourceType: types.ResourceTypeVolume, Tags: tags},
		},
	})
	if err != nil {
		return "", "", err
	}
	if len(out.Instances) == 0 {
		return "", "", errors.New("run instances returned no instance")
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	return id, createJobPrefix + id, nil
}

func (p *EC2Provider) SubmitDelete(ctx context.Context, serverID string) (string, error) {
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{serverID}})
	if err != nil && !isInstanceNotFound(err) {
		return "", err
	}
	return deleteJobPrefix + serverID, nil
}

func (p *EC2Provider) GetJob(ctx context.Context, jobID string) (Job, error) {
	var (
		ids    []string
		create bool
	)
	switch {
	case strings.HasPrefix(jobID, createJobPrefix):
		create = true
		ids = strings.Split(strings.TrimPrefix(jobID, createJobPrefix), ",")
	case strings.HasPrefix(jobID, deleteJobPrefix):
		ids = strings.Split(strings.TrimPrefix(jobID, deleteJobPrefix), ",")
	default:
		return Job{}, fmt.Errorf("unknown job id %q", jobID)
	}

	// an id that is not visible yet is still launching; one that is gone
	// is deleted
	instances, err := p.describe(ctx, ids)
	if err != nil && !isInstanceNotFound(err) {
		return Job{}, err
	}

	job := Job{ID: jobID}
	for _, id := range ids {
		inst, found := instances[id]
		var sub SubJob
		if create {
			sub = createSubJob(id, inst, found)
		} else {
			sub = deleteSubJob(id, inst, found)
		}
		if sub.Status == JobFail && found && inst.StateReason != nil {
			job.Reason = aws.ToString(inst.StateReason.Message)
		}
		job.SubJobs = append(job.SubJobs, sub)
	}
	job.Status = aggregate(job.SubJobs)
	return job, nil
}

func (p *EC2Provider) GetServer(ctx context.Context, serverID string) (Server, error) {
	instances, err := p.describe(ctx, []string{serverID})
	if err != nil && !isInstanceNotFound(err) {
		return Server{}, err
	}
	inst, ok := instances[serverID]
	if !ok {
		return Server{ID: serverID, Status: ServerDeleted}, nil
	}
	srv := Server{
		ID:     serverID,
		Status: serverStatus(inst),
		Flavor: string(inst.InstanceType),
	}
	if inst.Placement != nil {
		srv.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, t := range inst.Tags {
		if aws.ToString(t.Key) == "Name" {
			srv.Name = aws.ToString(t.Value)
		}
	}
	return srv, nil
}

func (p *EC2Provider) describe(ctx context.Context, ids []string) (map[string]types.Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, err
	}
	found := map[string]types.Instance{}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			found[aws.ToString(inst.InstanceId)] = inst
		}
	}
	return found, nil
}

func (p *EC2Provider) defaultSubnet(ctx context.Context, zone string) (string, error) {
	out, err := p.api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("availability-zone"), Values: []string{zone}},
			{Name: aws.String("default-for-az"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("find default subnet in %s: %w", zone, err)
	}
	if len(out.Subnets) == 0 {
		return "", fmt.Errorf("no default subnet in %s", zone)
	}
	return aws.ToString(out.Subnets[0].SubnetId), nil
}

func (p *EC2Provider) rootDevice(ctx context.Context, image string) (string, error) {
	out, err := p.api.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{image}})
	if err != nil {
		return "", fmt.Errorf("describe image %s: %w", image, err)
	}
	if len(out.Images) == 0 || out.Images[0].RootDeviceName == nil {
		logctx.FromContext(ctx).Warn("Image has no root device name, using default", slog.String("image", image))
		return "/dev/xvda", nil
	}
	return aws.ToString(out.Images[0].RootDeviceName), nil
}

// userData writes the bootstrap file and the startup script from their
// base64 forms and runs the script.
func userData(spec CreateSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -e\n")
	if spec.FilePath != "" {
		fmt.Fprintf(&b, "mkdir -p %q\n", dirOf(spec.FilePath))
		fmt.Fprintf(&b, "echo %q | base64 -d > %q\n", spec.FileContent, spec.FilePath)
	}
	fmt.Fprintf(&b, "mkdir -p %q\n", dirOf(bootstrapScriptPath))
	fmt.Fprintf(&b, "echo %q | base64 -d > %q\n", spec.ScriptContent, bootstrapScriptPath)
	fmt.Fprintf(&b, "chmod 0755 %q\n", bootstrapScriptPath)
	fmt.Fprintf(&b, "exec %q\n", bootstrapScriptPath)
	return base64.StdEncoding.EncodeToString([]byte(b.String()))
}

func dirOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func createSubJob(id string, inst types.Instance, found bool) SubJob {
	sub := SubJob{ServerID: id, Status: JobRunning}
	if !found || inst.State == nil {
		return sub
	}
	switch inst.State.Name {
	case types.InstanceStateNameRunning, types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		sub.Status = JobSuccess
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		sub.Status = JobFail
	}
	return sub
}

func deleteSubJob(id string, inst types.Instance, found bool) SubJob {
	sub := SubJob{ServerID: id, Status: JobRunning}
	if !found || (inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated) {
		sub.Status = JobSuccess
	}
	return sub
}

func aggregate(subs []SubJob) JobStatus {
	status := JobSuccess
	for _, s := range subs {
		switch s.Status {
		case JobFail:
			return JobFail
		case JobRunning:
			status = JobRunning
		}
	}
	return status
}

func serverStatus(inst types.Instance) ServerStatus {
	if inst.State == nil {
		return ServerError
	}
	switch inst.State.Name {
	case types.InstanceStateNamePending:
		return ServerBuild
	case types.InstanceStateNameRunning, types.InstanceStateNameStopping:
		return ServerActive
	case types.InstanceStateNameStopped:
		return ServerShutoff
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return ServerDeleted
	default:
		return ServerError
	}
}

func isInstanceNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
	}
	return false
}
