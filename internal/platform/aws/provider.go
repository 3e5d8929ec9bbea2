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

// Package aws implements the platform contract for one AWS region. VMs are
// EC2 instances launched from AMIs; the primary address comes from the
// describe-instance API; lab networks are subnets in a configured VPC.
package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/obs/logging"
	"github.com/glassdome/glassdome/internal/obs/metrics"
	"github.com/glassdome/glassdome/internal/platform/contracts"
)

const statusPollInterval = 5 * time.Second

// Config holds the AWS platform configuration.
type Config struct {
	Region    string
	AccessKey string
	SecretKey string
	VPCID     string
	// KeyPairName is an optional pre-imported EC2 key pair
	KeyPairName string
}

// Provider implements contracts.PlatformCapability for one AWS region.
type Provider struct {
	id     contracts.PlatformID
	ec2    ec2iface.EC2API
	config *Config
	logger *zap.Logger
}

// New creates an AWS provider with a fresh EC2 session.
func New(id contracts.PlatformID, config *Config, logger *zap.Logger) (*Provider, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(config.Region),
		Credentials: credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
	})
	if err != nil {
		return nil, contracts.NewPermanent("failed to create aws session", err)
	}
	return NewWithClient(id, ec2.New(sess), config, logger), nil
}

// NewWithClient creates a provider around an existing EC2 API, used by tests.
func NewWithClient(id contracts.PlatformID, api ec2iface.EC2API, config *Config, logger *zap.Logger) *Provider {
	return &Provider{
		id:     id,
		ec2:    api,
		config: config,
		logger: logger.Named("aws"),
	}
}

// ID returns the registered platform identity.
func (p *Provider) ID() contracts.PlatformID { return p.id }

// Capabilities advertises the EC2 feature set.
func (p *Provider) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{
		OnPrem:            false,
		GuestAgentChannel: false,
		CloudInitClone:    true,
		ConfigDrive:       false,
		NetworkCreate:     true,
		SupportedDiskBuses: []contracts.DiskBus{
			contracts.DiskBusVirtIOSCSI,
		},
	}
}

// Validate checks credentials by listing availability zones.
func (p *Provider) Validate(ctx context.Context) error {
	_, err := p.ec2.DescribeAvailabilityZonesWithContext(ctx, &ec2.DescribeAvailabilityZonesInput{})
	return mapAWSError(err, "describe availability zones")
}

// CreateVM launches an instance. EC2 has no bare-image path distinct from
// templates, so this requires a template (AMI) id on the spec.
func (p *Provider) CreateVM(ctx context.Context, spec contracts.VMSpec) (*contracts.VMRecord, error) {
	if spec.TemplateID == "" {
		return nil, contracts.NewValidation("template_id", "ec2 instances require an ami id")
	}
	return p.CloneFromTemplate(ctx, spec.TemplateID, spec, contracts.Parameterization{
		Kind: contracts.ParamPlatformAssigned,
	})
}

// CloneFromTemplate launches an instance from an AMI with cloud-init user
// data supplied at launch.
func (p *Provider) CloneFromTemplate(ctx context.Context, templateID string, spec contracts.VMSpec, params contracts.Parameterization) (*contracts.VMRecord, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(templateID),
		InstanceType: aws.String(instanceType(spec.Cores, spec.MemoryMiB)),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags:         instanceTags(spec),
		}},
	}
	if p.config.KeyPairName != "" {
		input.KeyName = aws.String(p.config.KeyPairName)
	}
	if len(spec.Networks) > 0 && spec.Networks[0].NetworkID != "" {
		input.SubnetId = aws.String(spec.Networks[0].NetworkID)
	}
	if userData := userDataFor(params); userData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(userData)))
	}

	start := time.Now()
	out, err := p.ec2.RunInstancesWithContext(ctx, input)
	metrics.RecordPlatformOperation(string(p.id), "clone_vm", outcome(err), time.Since(start))
	if err != nil {
		return nil, mapAWSError(err, "run instances")
	}
	if len(out.Instances) == 0 {
		return nil, contracts.NewPermanent("run instances returned no instance", nil)
	}

	instanceID := aws.StringValue(out.Instances[0].InstanceId)
	logging.FromContext(ctx, p.logger).Info("launched instance",
		zap.String("instance_id", instanceID), zap.String("ami", templateID), zap.String("name", spec.Name))

	now := time.Now().UTC()
	return &contracts.VMRecord{
		VMID:       instanceID,
		Platform:   p.id,
		Spec:       spec,
		Status:     contracts.VMStatusCreating,
		GuestTools: contracts.GuestToolsNotInstalled,
		Tags:       spec.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// InjectConfig replaces instance user data. EC2 only reads user data at first
// boot, so the instance must still be stopped.
func (p *Provider) InjectConfig(ctx context.Context, vmID string, params contracts.Parameterization) error {
	if err := params.Validate(); err != nil {
		return err
	}
	userData := userDataFor(params)
	if userData == "" {
		return nil
	}
	_, err := p.ec2.ModifyInstanceAttributeWithContext(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(vmID),
		UserData: &ec2.BlobAttributeValue{
			Value: []byte(userData),
		},
	})
	return mapAWSError(err, "modify instance user data")
}

// StartVM starts the instance.
func (p *Provider) StartVM(ctx context.Context, vmID string) error {
	start := time.Now()
	_, err := p.ec2.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: []*string{aws.String(vmID)},
	})
	metrics.RecordPlatformOperation(string(p.id), "start_vm", outcome(err), time.Since(start))
	return mapAWSError(err, "start instance")
}

// StopVM stops the instance.
func (p *Provider) StopVM(ctx context.Context, vmID string) error {
	start := time.Now()
	_, err := p.ec2.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: []*string{aws.String(vmID)},
	})
	metrics.RecordPlatformOperation(string(p.id), "stop_vm", outcome(err), time.Since(start))
	return mapAWSError(err, "stop instance")
}

// RebootVM reboots the instance.
func (p *Provider) RebootVM(ctx context.Context, vmID string) error {
	start := time.Now()
	_, err := p.ec2.RebootInstancesWithContext(ctx, &ec2.RebootInstancesInput{
		InstanceIds: []*string{aws.String(vmID)},
	})
	metrics.RecordPlatformOperation(string(p.id), "reboot_vm", outcome(err), time.Since(start))
	return mapAWSError(err, "reboot instance")
}

// DeleteVM terminates the instance. Terminating an absent instance succeeds.
func (p *Provider) DeleteVM(ctx context.Context, vmID string) error {
	start := time.Now()
	_, err := p.ec2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(vmID)},
	})
	metrics.RecordPlatformOperation(string(p.id), "delete_vm", outcome(err), time.Since(start))
	if err != nil {
		mapped := mapAWSError(err, "terminate instance")
		if contracts.IsResourceMissing(mapped) {
			return nil
		}
		return mapped
	}
	return nil
}

// GetVMStatus maps the EC2 instance state. Absent and terminated instances
// report DELETED.
func (p *Provider) GetVMStatus(ctx context.Context, vmID string) (contracts.VMStatus, error) {
	inst, err := p.describeOne(ctx, vmID)
	if err != nil {
		if contracts.IsResourceMissing(err) {
			return contracts.VMStatusDeleted, nil
		}
		return "", err
	}
	return instanceStatus(inst), nil
}

// GetVMIP polls describe-instance until the instance is running with a
// private address.
func (p *Provider) GetVMIP(ctx context.Context, vmID string, timeout time.Duration) (string, error) {
	start := time.Now()
	defer func() {
		metrics.RecordIPDiscovery(string(p.id), time.Since(start))
	}()

	deadline := time.Now().Add(timeout)
	for {
		inst, err := p.describeOne(ctx, vmID)
		if err != nil {
			return "", err
		}
		if instanceStatus(inst) == contracts.VMStatusRunning && inst.PrivateIpAddress != nil {
			return aws.StringValue(inst.PrivateIpAddress), nil
		}

		if time.Now().After(deadline) {
			return "", contracts.NewTransient(
				fmt.Sprintf("instance did not report an address within %s", timeout), nil)
		}
		wait := statusPollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return "", contracts.NewTransient("ip discovery cancelled", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// ListVMs enumerates glassdome-tagged instances.
func (p *Provider) ListVMs(ctx context.Context, filter contracts.VMFilter) ([]contracts.VMRecord, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("tag:glassdome"),
			Values: []*string{aws.String("true")},
		}},
	}

	var records []contracts.VMRecord
	err := p.ec2.DescribeInstancesPagesWithContext(ctx, input,
		func(page *ec2.DescribeInstancesOutput, _ bool) bool {
			for _, res := range page.Reservations {
				for _, inst := range res.Instances {
					status := instanceStatus(inst)
					if status == contracts.VMStatusDeleted {
						continue
					}
					rec := contracts.VMRecord{
						VMID:      aws.StringValue(inst.InstanceId),
						Platform:  p.id,
						Status:    status,
						PrimaryIP: aws.StringValue(inst.PrivateIpAddress),
						Spec: contracts.VMSpec{
							Name: tagValue(inst.Tags, "Name"),
						},
						OwnerLab: tagValue(inst.Tags, "glassdome:lab"),
					}
					if filter.Matches(&rec) {
						records = append(records, rec)
					}
				}
			}
			return true
		})
	if err != nil {
		return nil, mapAWSError(err, "describe instances")
	}
	return records, nil
}

// ListTemplates enumerates AMIs owned by this account.
func (p *Provider) ListTemplates(ctx context.Context) ([]contracts.Template, error) {
	out, err := p.ec2.DescribeImagesWithContext(ctx, &ec2.DescribeImagesInput{
		Owners: []*string{aws.String("self")},
	})
	if err != nil {
		return nil, mapAWSError(err, "describe images")
	}

	templates := make([]contracts.Template, 0, len(out.Images))
	for _, img := range out.Images {
		tmpl := contracts.Template{
			ID:           aws.StringValue(img.ImageId),
			Name:         aws.StringValue(img.Name),
			HasCloudInit: true,
		}
		tmpl.OSFamily, tmpl.OSVersion = osFromName(tmpl.Name)
		if strings.EqualFold(aws.StringValue(img.Platform), "windows") {
			tmpl.OSFamily = contracts.OSWindows
			tmpl.HasCloudInit = false
			tmpl.HasCloudbaseInit = true
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}

// ListNetworks enumerates subnets in the configured VPC.
func (p *Provider) ListNetworks(ctx context.Context) ([]contracts.NetworkRecord, error) {
	input := &ec2.DescribeSubnetsInput{}
	if p.config.VPCID != "" {
		input.Filters = []*ec2.Filter{{
			Name:   aws.String("vpc-id"),
			Values: []*string{aws.String(p.config.VPCID)},
		}}
	}

	out, err := p.ec2.DescribeSubnetsWithContext(ctx, input)
	if err != nil {
		return nil, mapAWSError(err, "describe subnets")
	}

	records := make([]contracts.NetworkRecord, 0, len(out.Subnets))
	for _, sn := range out.Subnets {
		records = append(records, contracts.NetworkRecord{
			NetworkID: aws.StringValue(sn.SubnetId),
			Platform:  p.id,
			Name:      tagValue(sn.Tags, "Name"),
			CIDR:      aws.StringValue(sn.CidrBlock),
			Mode:      contracts.NetworkRouted,
		})
	}
	return records, nil
}

// CreateNetwork creates a subnet in the configured VPC.
func (p *Provider) CreateNetwork(ctx context.Context, spec contracts.NetworkSpec) (*contracts.NetworkRecord, error) {
	if p.config.VPCID == "" {
		return nil, contracts.NewValidation("vpc_id", "aws platform requires a vpc id for network creation")
	}

	start := time.Now()
	out, err := p.ec2.CreateSubnetWithContext(ctx, &ec2.CreateSubnetInput{
		VpcId:     aws.String(p.config.VPCID),
		CidrBlock: aws.String(spec.CIDR),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeSubnet),
			Tags: []*ec2.Tag{
				{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				{Key: aws.String("glassdome"), Value: aws.String("true")},
			},
		}},
	})
	metrics.RecordPlatformOperation(string(p.id), "create_network", outcome(err), time.Since(start))
	if err != nil {
		return nil, mapAWSError(err, "create subnet")
	}

	return &contracts.NetworkRecord{
		NetworkID: aws.StringValue(out.Subnet.SubnetId),
		Platform:  p.id,
		Name:      spec.Name,
		CIDR:      spec.CIDR,
		Mode:      contracts.NetworkRouted,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DeleteNetwork deletes a subnet. Deleting an absent subnet succeeds.
func (p *Provider) DeleteNetwork(ctx context.Context, networkID string) error {
	start := time.Now()
	_, err := p.ec2.DeleteSubnetWithContext(ctx, &ec2.DeleteSubnetInput{
		SubnetId: aws.String(networkID),
	})
	metrics.RecordPlatformOperation(string(p.id), "delete_network", outcome(err), time.Since(start))
	if err != nil {
		mapped := mapAWSError(err, "delete subnet")
		if contracts.IsResourceMissing(mapped) {
			return nil
		}
		return mapped
	}
	return nil
}

func (p *Provider) describeOne(ctx context.Context, vmID string) (*ec2.Instance, error) {
	out, err := p.ec2.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(vmID)},
	})
	if err != nil {
		return nil, mapAWSError(err, "describe instance")
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return inst, nil
		}
	}
	return nil, contracts.NewResourceMissing(fmt.Sprintf("instance %s not found", vmID), nil)
}

func instanceStatus(inst *ec2.Instance) contracts.VMStatus {
	if inst.State == nil {
		return contracts.VMStatusError
	}
	switch aws.StringValue(inst.State.Name) {
	case ec2.InstanceStateNamePending:
		return contracts.VMStatusCreating
	case ec2.InstanceStateNameRunning:
		return contracts.VMStatusRunning
	case ec2.InstanceStateNameStopping, ec2.InstanceStateNameStopped:
		return contracts.VMStatusStopped
	case ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameTerminated:
		return contracts.VMStatusDeleted
	default:
		return contracts.VMStatusError
	}
}

// instanceType picks the smallest t3 family member covering the request.
func instanceType(cores int, memoryMiB int64) string {
	switch {
	case cores <= 2 && memoryMiB <= 1024:
		return "t3.micro"
	case cores <= 2 && memoryMiB <= 2048:
		return "t3.small"
	case cores <= 2 && memoryMiB <= 4096:
		return "t3.medium"
	case cores <= 2 && memoryMiB <= 8192:
		return "t3.large"
	case cores <= 4 && memoryMiB <= 16384:
		return "t3.xlarge"
	default:
		return "t3.2xlarge"
	}
}

func instanceTags(spec contracts.VMSpec) []*ec2.Tag {
	tags := []*ec2.Tag{
		{Key: aws.String("Name"), Value: aws.String(spec.Name)},
		{Key: aws.String("glassdome"), Value: aws.String("true")},
	}
	if lab := spec.Tags["lab"]; lab != "" {
		tags = append(tags, &ec2.Tag{Key: aws.String("glassdome:lab"), Value: aws.String(lab)})
	}
	return tags
}

func tagValue(tags []*ec2.Tag, key string) string {
	for _, t := range tags {
		if aws.StringValue(t.Key) == key {
			return aws.StringValue(t.Value)
		}
	}
	return ""
}

func userDataFor(params contracts.Parameterization) string {
	switch params.Kind {
	case contracts.ParamCloudInit:
		if params.CloudInit.UserData != "" {
			return params.CloudInit.UserData
		}
		ci := params.CloudInit
		var b strings.Builder
		b.WriteString("#cloud-config\n")
		fmt.Fprintf(&b, "users:\n  - name: %s\n    sudo: ALL=(ALL) NOPASSWD:ALL\n", ci.User)
		if ci.SSHPublicKey != "" {
			fmt.Fprintf(&b, "    ssh_authorized_keys:\n      - %s\n", strings.TrimSpace(ci.SSHPublicKey))
		}
		return b.String()
	case contracts.ParamCloudbaseInit:
		return params.Cloudbase.UserData
	default:
		return ""
	}
}

func osFromName(name string) (contracts.OSFamily, string) {
	lower := strings.ToLower(name)
	for _, family := range []contracts.OSFamily{
		contracts.OSUbuntu, contracts.OSWindows, contracts.OSKali, contracts.OSPfSense,
	} {
		if idx := strings.Index(lower, string(family)); idx >= 0 {
			rest := strings.Trim(lower[idx+len(family):], "-_. ")
			return family, rest
		}
	}
	return "", ""
}

// mapAWSError categorizes an EC2 API error.
func mapAWSError(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s failed", op)
	if aerr, ok := err.(awserr.Error); ok {
		code := aerr.Code()
		e := &contracts.Error{Message: msg, PlatformCode: code, Cause: err}
		switch {
		case strings.Contains(code, "NotFound"):
			e.Kind = contracts.ErrorKindResourceMissing
		case code == "UnauthorizedOperation" || code == "AuthFailure" || code == "OptInRequired":
			e.Kind = contracts.ErrorKindPermanent
		case code == "RequestLimitExceeded" || strings.Contains(code, "Throttl") ||
			code == "InsufficientInstanceCapacity" || code == "RequestTimeout":
			e.Kind = contracts.ErrorKindTransient
		default:
			e.Kind = contracts.ErrorKindPermanent
		}
		return e
	}
	return contracts.NewTransient(msg, err)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
