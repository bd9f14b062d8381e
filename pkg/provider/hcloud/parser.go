package hcloud

import (
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/provider"
)

// Parser converts a Hetzner Cloud Inventory into an inventory graph.
// Images are not listed separately; the graph holds the images that
// servers were created from.
type Parser struct{}

func (Parser) Parse(raw *provider.RawInventory) (*inventory.Graph, error) {
	if raw == nil {
		return nil, fmt.Errorf("hcloud: nil inventory")
	}
	inv, ok := raw.Data.(*Inventory)
	if !ok {
		return nil, fmt.Errorf("hcloud: unexpected inventory payload %T", raw.Data)
	}

	g := &inventory.Graph{}

	for _, pg := range inv.PlacementGroups {
		g.ResourceGroups = append(g.ResourceGroups, inventory.ResourceGroup{
			EmsRef: strconv.FormatInt(pg.ID, 10),
			Name:   pg.Name,
		})
	}

	for _, st := range inv.ServerTypes {
		g.Flavors = append(g.Flavors, inventory.Flavor{
			EmsRef:   st.Name,
			Name:     st.Name,
			CPUs:     st.Cores,
			MemoryMB: int64(st.Memory * 1024),
			DiskGB:   st.Disk,
		})
	}

	for _, loc := range inv.Locations {
		g.Zones = append(g.Zones, inventory.AvailabilityZone{
			EmsRef: loc.Name,
			Name:   loc.Name,
		})
	}

	seenImages := make(map[int64]bool)
	for _, s := range inv.Servers {
		res := inventory.ManagedResource{
			EmsRef:        strconv.FormatInt(s.ID, 10),
			Name:          s.Name,
			RawPowerState: string(s.Status),
			IPAddress:     serverIPv4(s),
			ZoneRef:       serverLocation(s),
		}
		if s.PlacementGroup != nil {
			res.ResourceGroup = s.PlacementGroup.Name
		}
		if s.ServerType != nil {
			res.FlavorRef = s.ServerType.Name
		}
		if s.Image != nil {
			res.ImageRef = strconv.FormatInt(s.Image.ID, 10)
			if !seenImages[s.Image.ID] {
				seenImages[s.Image.ID] = true
				g.Images = append(g.Images, inventory.Image{
					EmsRef: res.ImageRef,
					Name:   imageName(s.Image),
					OSType: s.Image.OSFlavor,
				})
			}
		}
		g.Resources = append(g.Resources, res)
	}

	return g, nil
}

func serverIPv4(s *hcloud.Server) string {
	if s.PublicNet.IPv4.IP != nil {
		return s.PublicNet.IPv4.IP.String()
	}
	return ""
}

func serverLocation(s *hcloud.Server) string {
	if s.Datacenter != nil && s.Datacenter.Location != nil { //nolint:staticcheck
		return s.Datacenter.Location.Name //nolint:staticcheck
	}
	return ""
}

// imageName prefers the image name; snapshots only carry a description.
func imageName(img *hcloud.Image) string {
	if img.Name != "" {
		return img.Name
	}
	return img.Description
}
