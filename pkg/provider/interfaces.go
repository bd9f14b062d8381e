// Package provider defines the contract between cloudmgr and a cloud
// provider: the per-type Adapter selected by a connection's provider-type
// tag, the live Client it returns, and the InventoryParser that turns raw
// API responses into an inventory graph.
package provider

import (
	"context"
	"time"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
)

// Requirements describes what an adapter needs before it may connect.
type Requirements struct {
	// Fields lists the credential fields that must resolve to a value.
	Fields credentials.Fields

	// TenantRequired means the connection must carry a tenant id.
	TenantRequired bool

	// HostnameRequired is false for public cloud APIs with fixed endpoints.
	HostnameRequired bool

	// CredentialNames is the user-facing name of the credential pair,
	// e.g. "Access Key ID and Secret Access Key".
	CredentialNames string
}

// ConnectParams carries everything an adapter needs to build a client.
type ConnectParams struct {
	Connection  inventory.ProviderConnection
	Credentials credentials.Resolved
}

// ResourceRef addresses a remote compute resource in a power call.
type ResourceRef struct {
	Name          string
	ResourceGroup string
	EmsRef        string
}

// RawInventory is the unparsed result of one inventory fetch. Data holds
// an adapter-specific payload only that adapter's parser understands.
type RawInventory struct {
	ProviderType string
	FetchedAt    time.Time
	Data         any
}

// Client is a live, authenticated handle for one provider connection.
// Implementations must be safe for concurrent use.
type Client interface {
	// Verify performs one authenticated round trip.
	Verify(ctx context.Context) error

	// Start, Stop and Restart issue the power call and return once the
	// provider has accepted it. They do not wait for completion.
	Start(ctx context.Context, ref ResourceRef) error
	Stop(ctx context.Context, ref ResourceRef) error
	Restart(ctx context.Context, ref ResourceRef) error

	// FetchInventory runs the list/describe calls for every tracked kind.
	FetchInventory(ctx context.Context) (*RawInventory, error)
}

// InventoryParser converts a raw inventory into a normalized graph.
type InventoryParser interface {
	Parse(raw *RawInventory) (*inventory.Graph, error)
}

// Adapter is the per-provider-type implementation. Type, Description and
// Requirements are constants of the adapter.
type Adapter interface {
	Type() string
	Description() string
	Requirements() Requirements

	// Connect builds a client handle. It performs no network call and
	// never retries.
	Connect(ctx context.Context, params ConnectParams) (Client, error)

	// IsAuthFailure reports whether err is the provider rejecting the
	// supplied credentials.
	IsAuthFailure(err error) bool

	Parser() InventoryParser
}
