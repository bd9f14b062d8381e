package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/openfroyo/cloudmgr/pkg/provider"
)

// EC2API is the subset of the EC2 client used by the adapter.
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	ec2.DescribeVpcsAPIClient
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, params *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
}

// STSAPI is the subset of the STS client used by the adapter.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// describeInstanceTypesLimit is the maximum number of types per request.
const describeInstanceTypesLimit = 100

// Inventory is the raw payload of one EC2 fetch.
type Inventory struct {
	Region        string
	Instances     []types.Instance
	Vpcs          []types.Vpc
	InstanceTypes []types.InstanceTypeInfo
	Images        []types.Image
	Zones         []types.AvailabilityZone
}

// Client is a provider.Client for one AWS account and region.
type Client struct {
	ec2     EC2API
	sts     STSAPI
	account string
	region  string
}

// NewClient wraps already configured EC2 and STS clients.
func NewClient(ec2API EC2API, stsAPI STSAPI, account, region string) *Client {
	return &Client{ec2: ec2API, sts: stsAPI, account: account, region: region}
}

// Verify calls GetCallerIdentity and checks the account id.
func (c *Client) Verify(ctx context.Context) error {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return err
	}
	if actual := aws.ToString(out.Account); c.account != "" && actual != c.account {
		return &AccountMismatchError{Expected: c.account, Actual: actual}
	}
	return nil
}

func (c *Client) Start(ctx context.Context, ref provider.ResourceRef) error {
	id, err := c.instanceID(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}}); err != nil {
		return fmt.Errorf("failed to start instance %s: %w", id, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, ref provider.ResourceRef) error {
	id, err := c.instanceID(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}); err != nil {
		return fmt.Errorf("failed to stop instance %s: %w", id, err)
	}
	return nil
}

func (c *Client) Restart(ctx context.Context, ref provider.ResourceRef) error {
	id, err := c.instanceID(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := c.ec2.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{id}}); err != nil {
		return fmt.Errorf("failed to reboot instance %s: %w", id, err)
	}
	return nil
}

// instanceID returns the instance id of ref, looking it up by Name tag
// (and VPC, when the resource group is known) if the reference is empty.
func (c *Client) instanceID(ctx context.Context, ref provider.ResourceRef) (string, error) {
	if ref.EmsRef != "" {
		return ref.EmsRef, nil
	}

	filters := []types.Filter{
		{Name: aws.String("tag:Name"), Values: []string{ref.Name}},
		{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
	}
	if ref.ResourceGroup != "" {
		vpcIDs, err := c.vpcIDs(ctx, ref.ResourceGroup)
		if err != nil {
			return "", err
		}
		filters = append(filters, types.Filter{Name: aws.String("vpc-id"), Values: vpcIDs})
	}

	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return "", fmt.Errorf("failed to look up instance %s: %w", ref.Name, err)
	}

	var ids []string
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			ids = append(ids, aws.ToString(inst.InstanceId))
		}
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("instance %s not found", ref.Name)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("instance name %s is ambiguous (%d matches)", ref.Name, len(ids))
	}
}

// vpcIDs resolves a resource group name, which is a VPC Name tag or a
// bare VPC id, to VPC ids.
func (c *Client) vpcIDs(ctx context.Context, group string) ([]string, error) {
	if strings.HasPrefix(group, "vpc-") {
		return []string{group}, nil
	}

	out, err := c.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{{Name: aws.String("tag:Name"), Values: []string{group}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up vpc %s: %w", group, err)
	}
	if len(out.Vpcs) == 0 {
		return nil, fmt.Errorf("vpc %s not found", group)
	}

	ids := make([]string, 0, len(out.Vpcs))
	for _, v := range out.Vpcs {
		ids = append(ids, aws.ToString(v.VpcId))
	}
	return ids, nil
}

// FetchInventory describes instances and VPCs, then the instance types and
// images those instances use, and the region's availability zones.
func (c *Client) FetchInventory(ctx context.Context) (*provider.RawInventory, error) {
	inv := &Inventory{Region: c.region}

	instances := ec2.NewDescribeInstancesPaginator(c.ec2, &ec2.DescribeInstancesInput{})
	for instances.HasMorePages() {
		page, err := instances.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			inv.Instances = append(inv.Instances, r.Instances...)
		}
	}

	vpcs := ec2.NewDescribeVpcsPaginator(c.ec2, &ec2.DescribeVpcsInput{})
	for vpcs.HasMorePages() {
		page, err := vpcs.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe vpcs: %w", err)
		}
		inv.Vpcs = append(inv.Vpcs, page.Vpcs...)
	}

	instanceTypes, imageIDs := referencedTypesAndImages(inv.Instances)

	for start := 0; start < len(instanceTypes); start += describeInstanceTypesLimit {
		end := min(start+describeInstanceTypesLimit, len(instanceTypes))
		out, err := c.ec2.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
			InstanceTypes: instanceTypes[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe instance types: %w", err)
		}
		inv.InstanceTypes = append(inv.InstanceTypes, out.InstanceTypes...)
	}

	if len(imageIDs) > 0 {
		// A filter skips deregistered images where ImageIds would fail the call.
		out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Filters: []types.Filter{{Name: aws.String("image-id"), Values: imageIDs}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe images: %w", err)
		}
		inv.Images = out.Images
	}

	zones, err := c.ec2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to describe availability zones: %w", err)
	}
	inv.Zones = zones.AvailabilityZones

	return &provider.RawInventory{
		ProviderType: Type,
		FetchedAt:    time.Now().UTC(),
		Data:         inv,
	}, nil
}

func referencedTypesAndImages(instances []types.Instance) ([]types.InstanceType, []string) {
	typeSet := make(map[types.InstanceType]bool)
	imageSet := make(map[string]bool)
	for _, inst := range instances {
		if inst.InstanceType != "" {
			typeSet[inst.InstanceType] = true
		}
		if id := aws.ToString(inst.ImageId); id != "" {
			imageSet[id] = true
		}
	}

	instanceTypes := make([]types.InstanceType, 0, len(typeSet))
	for t := range typeSet {
		instanceTypes = append(instanceTypes, t)
	}
	sort.Slice(instanceTypes, func(i, j int) bool { return instanceTypes[i] < instanceTypes[j] })

	imageIDs := make([]string, 0, len(imageSet))
	for id := range imageSet {
		imageIDs = append(imageIDs, id)
	}
	sort.Strings(imageIDs)

	return instanceTypes, imageIDs
}
