package hcloud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/openfroyo/cloudmgr/pkg/provider"
)

// Inventory is the raw payload of one Hetzner Cloud fetch.
type Inventory struct {
	Servers         []*hcloud.Server
	PlacementGroups []*hcloud.PlacementGroup
	ServerTypes     []*hcloud.ServerType
	Locations       []*hcloud.Location
}

// Client is a provider.Client for one Hetzner Cloud project.
type Client struct {
	api *hcloud.Client
}

// Verify lists a single server, which requires a valid token.
func (c *Client) Verify(ctx context.Context) error {
	_, _, err := c.api.Server.List(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{PerPage: 1},
	})
	return err
}

// Start powers the server on.
func (c *Client) Start(ctx context.Context, ref provider.ResourceRef) error {
	server, err := c.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if _, _, err := c.api.Server.Poweron(ctx, server); err != nil {
		return fmt.Errorf("failed to power on server %s: %w", ref.Name, err)
	}
	return nil
}

// Stop sends an ACPI shutdown request.
func (c *Client) Stop(ctx context.Context, ref provider.ResourceRef) error {
	server, err := c.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if _, _, err := c.api.Server.Shutdown(ctx, server); err != nil {
		return fmt.Errorf("failed to shut down server %s: %w", ref.Name, err)
	}
	return nil
}

// Restart sends an ACPI reboot request.
func (c *Client) Restart(ctx context.Context, ref provider.ResourceRef) error {
	server, err := c.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if _, _, err := c.api.Server.Reboot(ctx, server); err != nil {
		return fmt.Errorf("failed to reboot server %s: %w", ref.Name, err)
	}
	return nil
}

// resolve addresses a server by its numeric id when known and by name
// otherwise. Server names are unique within a project.
func (c *Client) resolve(ctx context.Context, ref provider.ResourceRef) (*hcloud.Server, error) {
	if id, err := strconv.ParseInt(ref.EmsRef, 10, 64); err == nil {
		return &hcloud.Server{ID: id, Name: ref.Name}, nil
	}

	server, _, err := c.api.Server.GetByName(ctx, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up server %s: %w", ref.Name, err)
	}
	if server == nil {
		return nil, fmt.Errorf("server %s not found", ref.Name)
	}
	return server, nil
}

// FetchInventory lists servers, placement groups, server types and locations.
func (c *Client) FetchInventory(ctx context.Context) (*provider.RawInventory, error) {
	var inv Inventory
	var err error

	if inv.Servers, err = c.api.Server.All(ctx); err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	if inv.PlacementGroups, err = c.api.PlacementGroup.All(ctx); err != nil {
		return nil, fmt.Errorf("failed to list placement groups: %w", err)
	}
	if inv.ServerTypes, err = c.api.ServerType.All(ctx); err != nil {
		return nil, fmt.Errorf("failed to list server types: %w", err)
	}
	if inv.Locations, err = c.api.Location.All(ctx); err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	return &provider.RawInventory{
		ProviderType: Type,
		FetchedAt:    time.Now().UTC(),
		Data:         &inv,
	}, nil
}
