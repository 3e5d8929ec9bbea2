/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package aws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awsrequest "github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// fakeEC2 is an in-memory EC2 control plane covering the calls the provider
// makes. Unimplemented methods panic via the embedded interface.
type fakeEC2 struct {
	ec2iface.EC2API

	mu        sync.Mutex
	instances map[string]*ec2.Instance
	subnets   map[string]*ec2.Subnet
	nextID    int
	failWith  error
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		instances: make(map[string]*ec2.Instance),
		subnets:   make(map[string]*ec2.Subnet),
		nextID:    1,
	}
}

func (f *fakeEC2) takeErr() error {
	err := f.failWith
	f.failWith = nil
	return err
}

func (f *fakeEC2) DescribeAvailabilityZonesWithContext(aws.Context, *ec2.DescribeAvailabilityZonesInput, ...awsrequest.Option) (*ec2.DescribeAvailabilityZonesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	return &ec2.DescribeAvailabilityZonesOutput{}, nil
}

func (f *fakeEC2) RunInstancesWithContext(_ aws.Context, input *ec2.RunInstancesInput, _ ...awsrequest.Option) (*ec2.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}

	id := fmt.Sprintf("i-%08d", f.nextID)
	f.nextID++

	inst := &ec2.Instance{
		InstanceId:   aws.String(id),
		ImageId:      input.ImageId,
		InstanceType: input.InstanceType,
		State:        &ec2.InstanceState{Name: aws.String(ec2.InstanceStateNamePending)},
	}
	for _, ts := range input.TagSpecifications {
		inst.Tags = append(inst.Tags, ts.Tags...)
	}
	f.instances[id] = inst
	return &ec2.Reservation{Instances: []*ec2.Instance{inst}}, nil
}

func (f *fakeEC2) setState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.State = &ec2.InstanceState{Name: aws.String(state)}
		if state == ec2.InstanceStateNameRunning {
			inst.PrivateIpAddress = aws.String("172.31.0.10")
		}
	}
}

func (f *fakeEC2) StartInstancesWithContext(_ aws.Context, input *ec2.StartInstancesInput, _ ...awsrequest.Option) (*ec2.StartInstancesOutput, error) {
	f.mu.Lock()
	if err := f.takeErr(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	f.setState(aws.StringValue(input.InstanceIds[0]), ec2.InstanceStateNameRunning)
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstancesWithContext(_ aws.Context, input *ec2.StopInstancesInput, _ ...awsrequest.Option) (*ec2.StopInstancesOutput, error) {
	f.setState(aws.StringValue(input.InstanceIds[0]), ec2.InstanceStateNameStopped)
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) RebootInstancesWithContext(aws.Context, *ec2.RebootInstancesInput, ...awsrequest.Option) (*ec2.RebootInstancesOutput, error) {
	return &ec2.RebootInstancesOutput{}, nil
}

func (f *fakeEC2) TerminateInstancesWithContext(_ aws.Context, input *ec2.TerminateInstancesInput, _ ...awsrequest.Option) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.StringValue(input.InstanceIds[0])
	if _, ok := f.instances[id]; !ok {
		return nil, awserr.New("InvalidInstanceID.NotFound", "instance not found", nil)
	}
	f.instances[id].State = &ec2.InstanceState{Name: aws.String(ec2.InstanceStateNameTerminated)}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstancesWithContext(_ aws.Context, input *ec2.DescribeInstancesInput, _ ...awsrequest.Option) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var instances []*ec2.Instance
	for _, id := range input.InstanceIds {
		if inst, ok := f.instances[aws.StringValue(id)]; ok {
			instances = append(instances, inst)
		}
	}
	if len(input.InstanceIds) > 0 && len(instances) == 0 {
		return nil, awserr.New("InvalidInstanceID.NotFound", "instance not found", nil)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: instances}},
	}, nil
}

func (f *fakeEC2) DescribeInstancesPagesWithContext(_ aws.Context, _ *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool, _ ...awsrequest.Option) error {
	f.mu.Lock()
	var instances []*ec2.Instance
	for _, inst := range f.instances {
		instances = append(instances, inst)
	}
	f.mu.Unlock()
	fn(&ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: instances}},
	}, true)
	return nil
}

func (f *fakeEC2) DescribeImagesWithContext(aws.Context, *ec2.DescribeImagesInput, ...awsrequest.Option) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: []*ec2.Image{
		{ImageId: aws.String("ami-ubuntu"), Name: aws.String("ubuntu-22.04-base")},
		{ImageId: aws.String("ami-win"), Name: aws.String("win2022"), Platform: aws.String("windows")},
	}}, nil
}

func (f *fakeEC2) DescribeSubnetsWithContext(aws.Context, *ec2.DescribeSubnetsInput, ...awsrequest.Option) (*ec2.DescribeSubnetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subnets []*ec2.Subnet
	for _, sn := range f.subnets {
		subnets = append(subnets, sn)
	}
	return &ec2.DescribeSubnetsOutput{Subnets: subnets}, nil
}

func (f *fakeEC2) CreateSubnetWithContext(_ aws.Context, input *ec2.CreateSubnetInput, _ ...awsrequest.Option) (*ec2.CreateSubnetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("subnet-%08d", f.nextID)
	f.nextID++
	sn := &ec2.Subnet{
		SubnetId:  aws.String(id),
		VpcId:     input.VpcId,
		CidrBlock: input.CidrBlock,
	}
	for _, ts := range input.TagSpecifications {
		sn.Tags = append(sn.Tags, ts.Tags...)
	}
	f.subnets[id] = sn
	return &ec2.CreateSubnetOutput{Subnet: sn}, nil
}

func (f *fakeEC2) DeleteSubnetWithContext(_ aws.Context, input *ec2.DeleteSubnetInput, _ ...awsrequest.Option) (*ec2.DeleteSubnetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.StringValue(input.SubnetId)
	if _, ok := f.subnets[id]; !ok {
		return nil, awserr.New("InvalidSubnetID.NotFound", "subnet not found", nil)
	}
	delete(f.subnets, id)
	return &ec2.DeleteSubnetOutput{}, nil
}

func testProvider(t *testing.T) (*Provider, *fakeEC2) {
	t.Helper()
	fake := newFakeEC2()
	p := NewWithClient("aws:us-east-1", fake, &Config{
		Region: "us-east-1",
		VPCID:  "vpc-1234",
	}, zaptest.NewLogger(t))
	return p, fake
}

func awsSpec(name string) contracts.VMSpec {
	return contracts.VMSpec{
		Name:       name,
		OSFamily:   contracts.OSUbuntu,
		Cores:      2,
		MemoryMiB:  4096,
		TemplateID: "ami-ubuntu",
		IPPolicy:   contracts.IPPolicyPlatform,
		Tags:       map[string]string{"lab": "cloud-range"},
	}
}

func TestLaunchAndLifecycle(t *testing.T) {
	p, _ := testProvider(t)
	ctx := context.Background()

	rec, err := p.CloneFromTemplate(ctx, "ami-ubuntu", awsSpec("web01"), contracts.Parameterization{
		Kind: contracts.ParamCloudInit,
		CloudInit: &contracts.CloudInitParams{
			User:         "student",
			SSHPublicKey: "ssh-ed25519 AAAA student@lab",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusCreating, rec.Status)

	status, err := p.GetVMStatus(ctx, rec.VMID)
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusCreating, status)

	require.NoError(t, p.StartVM(ctx, rec.VMID))
	status, err = p.GetVMStatus(ctx, rec.VMID)
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusRunning, status)

	ip, err := p.GetVMIP(ctx, rec.VMID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "172.31.0.10", ip)

	require.NoError(t, p.StopVM(ctx, rec.VMID))
	require.NoError(t, p.DeleteVM(ctx, rec.VMID))

	status, err = p.GetVMStatus(ctx, rec.VMID)
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusDeleted, status)
}

func TestDeleteAbsentInstanceSucceeds(t *testing.T) {
	p, _ := testProvider(t)
	require.NoError(t, p.DeleteVM(context.Background(), "i-99999999"))
}

func TestGetVMStatusAbsentReportsDeleted(t *testing.T) {
	p, _ := testProvider(t)
	status, err := p.GetVMStatus(context.Background(), "i-99999999")
	require.NoError(t, err)
	assert.Equal(t, contracts.VMStatusDeleted, status)
}

func TestThrottleMapsToTransient(t *testing.T) {
	p, fake := testProvider(t)
	fake.failWith = awserr.New("RequestLimitExceeded", "rate exceeded", nil)

	_, err := p.CloneFromTemplate(context.Background(), "ami-ubuntu", awsSpec("web01"),
		contracts.Parameterization{Kind: contracts.ParamPlatformAssigned})
	require.Error(t, err)
	assert.True(t, contracts.IsTransient(err))
}

func TestAuthFailureMapsToPermanent(t *testing.T) {
	p, fake := testProvider(t)
	fake.failWith = awserr.New("AuthFailure", "credentials invalid", nil)

	err := p.Validate(context.Background())
	require.Error(t, err)
	assert.Equal(t, contracts.ErrorKindPermanent, contracts.KindOf(err))
}

func TestListVMsFiltersByLab(t *testing.T) {
	p, _ := testProvider(t)
	ctx := context.Background()

	specA := awsSpec("web01")
	specB := awsSpec("db01")
	specB.Tags = map[string]string{"lab": "other-range"}

	_, err := p.CloneFromTemplate(ctx, "ami-ubuntu", specA, contracts.Parameterization{Kind: contracts.ParamPlatformAssigned})
	require.NoError(t, err)
	_, err = p.CloneFromTemplate(ctx, "ami-ubuntu", specB, contracts.Parameterization{Kind: contracts.ParamPlatformAssigned})
	require.NoError(t, err)

	vms, err := p.ListVMs(ctx, contracts.VMFilter{OwnerLab: "cloud-range"})
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "web01", vms[0].Spec.Name)
}

func TestListTemplates(t *testing.T) {
	p, _ := testProvider(t)

	templates, err := p.ListTemplates(context.Background())
	require.NoError(t, err)
	require.Len(t, templates, 2)

	byID := map[string]contracts.Template{}
	for _, tmpl := range templates {
		byID[tmpl.ID] = tmpl
	}
	assert.Equal(t, contracts.OSUbuntu, byID["ami-ubuntu"].OSFamily)
	assert.True(t, byID["ami-ubuntu"].HasCloudInit)
	assert.Equal(t, contracts.OSWindows, byID["ami-win"].OSFamily)
	assert.True(t, byID["ami-win"].HasCloudbaseInit)
}

func TestSubnetLifecycle(t *testing.T) {
	p, _ := testProvider(t)
	ctx := context.Background()

	rec, err := p.CreateNetwork(ctx, contracts.NetworkSpec{
		Name: "lab-subnet",
		CIDR: "172.31.10.0/24",
		Mode: contracts.NetworkRouted,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.NetworkID)

	networks, err := p.ListNetworks(ctx)
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, "lab-subnet", networks[0].Name)

	require.NoError(t, p.DeleteNetwork(ctx, rec.NetworkID))
	require.NoError(t, p.DeleteNetwork(ctx, rec.NetworkID))
}

func TestInstanceTypeSelection(t *testing.T) {
	assert.Equal(t, "t3.micro", instanceType(1, 1024))
	assert.Equal(t, "t3.medium", instanceType(2, 4096))
	assert.Equal(t, "t3.xlarge", instanceType(4, 16384))
	assert.Equal(t, "t3.2xlarge", instanceType(8, 32768))
}
