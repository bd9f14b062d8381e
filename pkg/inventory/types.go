// Package inventory defines the local model of a cloud provider account:
// provider connections, the entities they own, and the reconciliation diff
// that folds a freshly fetched remote graph into the persisted one.
package inventory

import (
	"time"
)

// RefreshStatus is the outcome of the most recent refresh of a connection.
type RefreshStatus string

const (
	RefreshStatusUnknown RefreshStatus = "unknown"
	RefreshStatusSuccess RefreshStatus = "success"
	RefreshStatusError   RefreshStatus = "error"
)

// Transitional power states recorded when a power call has been accepted
// by the provider. The next refresh overwrites them with provider data.
const (
	PowerStateStarting = "starting"
	PowerStateStopping = "stopping"
)

// ProviderConnection is one configured account or tenant on a remote cloud
// provider. It owns every entity below and they are removed with it.
type ProviderConnection struct {
	// ID is the stable local identifier.
	ID string `json:"id"`

	// Name is the unique, human-assigned name of the connection.
	Name string `json:"name" validate:"required"`

	// ProviderType selects the adapter (e.g., "hcloud", "aws").
	ProviderType string `json:"provider_type" validate:"required"`

	// TenantID is the provider-side account, project or tenant identifier.
	TenantID string `json:"tenant_id" validate:"required"`

	// Zone is the local zone assignment used to place background work.
	Zone string `json:"zone"`

	// Region is the provider region, for providers that are region scoped.
	Region string `json:"region,omitempty"`

	// Endpoint overrides the provider API endpoint.
	Endpoint string `json:"endpoint,omitempty"`

	LastRefreshStatus RefreshStatus `json:"last_refresh_status"`
	LastRefreshError  *string       `json:"last_refresh_error,omitempty"`
	LastRefreshDate   *time.Time    `json:"last_refresh_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourceGroup is a container used for API addressing and for grouping
// resources during reconciliation.
type ResourceGroup struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`

	// EmsRef is the provider-native identifier.
	EmsRef   string `json:"ems_ref"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ManagedResource is a remote compute instance mirrored locally.
type ManagedResource struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`

	// EmsRef is the provider-native identifier (server id, instance id).
	EmsRef string `json:"ems_ref"`

	// Name together with ResourceGroup addresses the resource in power calls.
	Name          string `json:"name"`
	ResourceGroup string `json:"resource_group,omitempty"`

	// RawPowerState mirrors the last observed provider state, or a
	// transitional label written by the power path.
	RawPowerState string `json:"raw_power_state"`

	FlavorRef string `json:"flavor_ref,omitempty"`
	ZoneRef   string `json:"zone_ref,omitempty"`
	ImageRef  string `json:"image_ref,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Flavor is an instance size offered by the provider.
type Flavor struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	EmsRef       string `json:"ems_ref"`
	Name         string `json:"name"`
	CPUs         int    `json:"cpus"`
	MemoryMB     int64  `json:"memory_mb"`
	DiskGB       int    `json:"disk_gb"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AvailabilityZone is a placement location exposed by the provider.
type AvailabilityZone struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	EmsRef       string `json:"ems_ref"`
	Name         string `json:"name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Image is a bootable image or snapshot visible to the account.
type Image struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	EmsRef       string `json:"ems_ref"`
	Name         string `json:"name"`
	OSType       string `json:"os_type,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Graph is the normalized entity graph of one connection, either parsed
// from a provider response or loaded from the store.
type Graph struct {
	ResourceGroups []ResourceGroup    `json:"resource_groups"`
	Resources      []ManagedResource  `json:"resources"`
	Flavors        []Flavor           `json:"flavors"`
	Zones          []AvailabilityZone `json:"zones"`
	Images         []Image            `json:"images"`
}

// Counts returns the number of entities of each kind, keyed by kind name.
func (g *Graph) Counts() map[string]int {
	if g == nil {
		return map[string]int{}
	}
	return map[string]int{
		KindResourceGroup: len(g.ResourceGroups),
		KindResource:      len(g.Resources),
		KindFlavor:        len(g.Flavors),
		KindZone:          len(g.Zones),
		KindImage:         len(g.Images),
	}
}

// Entity kind names, used as table discriminators and metric labels.
const (
	KindResourceGroup = "resource_group"
	KindResource      = "resource"
	KindFlavor        = "flavor"
	KindZone          = "availability_zone"
	KindImage         = "image"
)
