package aws

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/provider"
)

// Parser converts an EC2 Inventory into an inventory graph. Terminated
// instances are skipped.
type Parser struct{}

func (Parser) Parse(raw *provider.RawInventory) (*inventory.Graph, error) {
	if raw == nil {
		return nil, fmt.Errorf("aws: nil inventory")
	}
	inv, ok := raw.Data.(*Inventory)
	if !ok {
		return nil, fmt.Errorf("aws: unexpected inventory payload %T", raw.Data)
	}

	g := &inventory.Graph{}

	vpcNames := make(map[string]string, len(inv.Vpcs))
	for _, v := range inv.Vpcs {
		id := aws.ToString(v.VpcId)
		name := nameTag(v.Tags, id)
		vpcNames[id] = name
		g.ResourceGroups = append(g.ResourceGroups, inventory.ResourceGroup{
			EmsRef:   id,
			Name:     name,
			Location: inv.Region,
		})
	}

	for _, it := range inv.InstanceTypes {
		f := inventory.Flavor{
			EmsRef: string(it.InstanceType),
			Name:   string(it.InstanceType),
		}
		if it.VCpuInfo != nil {
			f.CPUs = int(aws.ToInt32(it.VCpuInfo.DefaultVCpus))
		}
		if it.MemoryInfo != nil {
			f.MemoryMB = aws.ToInt64(it.MemoryInfo.SizeInMiB)
		}
		if it.InstanceStorageInfo != nil {
			f.DiskGB = int(aws.ToInt64(it.InstanceStorageInfo.TotalSizeInGB))
		}
		g.Flavors = append(g.Flavors, f)
	}

	for _, z := range inv.Zones {
		name := aws.ToString(z.ZoneName)
		g.Zones = append(g.Zones, inventory.AvailabilityZone{EmsRef: name, Name: name})
	}

	for _, img := range inv.Images {
		id := aws.ToString(img.ImageId)
		g.Images = append(g.Images, inventory.Image{
			EmsRef: id,
			Name:   aws.ToString(img.Name),
			OSType: osType(img),
		})
	}

	for _, inst := range inv.Instances {
		if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
			continue
		}
		id := aws.ToString(inst.InstanceId)
		res := inventory.ManagedResource{
			EmsRef:        id,
			Name:          nameTag(inst.Tags, id),
			ResourceGroup: vpcNames[aws.ToString(inst.VpcId)],
			FlavorRef:     string(inst.InstanceType),
			ImageRef:      aws.ToString(inst.ImageId),
			IPAddress:     aws.ToString(inst.PublicIpAddress),
		}
		if res.IPAddress == "" {
			res.IPAddress = aws.ToString(inst.PrivateIpAddress)
		}
		if inst.State != nil {
			res.RawPowerState = string(inst.State.Name)
		}
		if inst.Placement != nil {
			res.ZoneRef = aws.ToString(inst.Placement.AvailabilityZone)
		}
		g.Resources = append(g.Resources, res)
	}

	return g, nil
}

// nameTag returns the value of the Name tag, or fallback.
func nameTag(tags []types.Tag, fallback string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == "Name" && aws.ToString(t.Value) != "" {
			return aws.ToString(t.Value)
		}
	}
	return fallback
}

func osType(img types.Image) string {
	if img.Platform == types.PlatformValuesWindows {
		return "windows"
	}
	if img.PlatformDetails != nil {
		return aws.ToString(img.PlatformDetails)
	}
	return "linux"
}
