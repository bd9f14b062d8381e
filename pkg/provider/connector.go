package provider

import (
	"context"
	"fmt"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
)

// Connector resolves credentials for a connection and builds a client
// through the connection's adapter. It holds no per-connection state and
// is safe for concurrent use.
type Connector struct {
	registry *Registry
	store    credentials.Store
}

// NewConnector returns a connector reading stored credentials from store.
func NewConnector(registry *Registry, store credentials.Store) *Connector {
	return &Connector{registry: registry, store: store}
}

// Adapter returns the adapter selected by the provider-type tag.
func (c *Connector) Adapter(providerType string) (Adapter, error) {
	return c.registry.Get(providerType)
}

// Connect resolves credentials and returns a client for conn. Missing
// credential fields or a missing tenant fail with MissingCredentialsError
// before the adapter is invoked.
func (c *Connector) Connect(ctx context.Context, conn *inventory.ProviderConnection, opts credentials.Options) (Client, Adapter, error) {
	adapter, err := c.registry.Get(conn.ProviderType)
	if err != nil {
		return nil, nil, err
	}

	req := adapter.Requirements()
	resolved, err := credentials.Resolve(ctx, c.store, conn.ID, opts, req.Fields)
	if err != nil {
		return nil, adapter, err
	}

	if req.TenantRequired && conn.TenantID == "" {
		return nil, adapter, &MissingCredentialsError{
			ConnectionID: conn.ID,
			Slot:         resolved.Slot,
			Fields:       []string{"tenant_id"},
		}
	}

	client, err := adapter.Connect(ctx, ConnectParams{Connection: *conn, Credentials: resolved})
	if err != nil {
		return nil, adapter, fmt.Errorf("failed to connect to %s: %w", adapter.Description(), err)
	}
	return client, adapter, nil
}
