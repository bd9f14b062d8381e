package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/cloudmgr/pkg/config"
	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/stores"
)

// AddConnection validates and stores a new connection. The provider type
// must be registered.
func (m *Manager) AddConnection(ctx context.Context, conn *inventory.ProviderConnection) error {
	if err := m.checkConnection(conn); err != nil {
		return err
	}
	if err := m.store.CreateConnection(ctx, conn); err != nil {
		return err
	}
	m.logger.WithConnection(conn.ID, conn.Name).WithProvider(conn.ProviderType).Info("connection added")
	return nil
}

func (m *Manager) checkConnection(conn *inventory.ProviderConnection) error {
	if err := m.validate.Struct(conn); err != nil {
		return fmt.Errorf("invalid connection: %w", err)
	}
	if _, err := m.registry.Get(conn.ProviderType); err != nil {
		return fmt.Errorf("invalid connection: %w", err)
	}
	return nil
}

// RemoveConnection deletes a connection and everything it owns.
func (m *Manager) RemoveConnection(ctx context.Context, ref string) error {
	conn, err := m.ResolveConnection(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.store.DeleteConnection(ctx, conn.ID); err != nil {
		return err
	}
	m.tel.Metrics.ForgetConnection(conn.ID)
	m.logger.WithConnection(conn.ID, conn.Name).Info("connection removed")
	return nil
}

// SetCredentials stores a credential for a connection slot.
func (m *Manager) SetCredentials(ctx context.Context, ref string, slot credentials.Slot, cred credentials.Credential) error {
	conn, err := m.ResolveConnection(ctx, ref)
	if err != nil {
		return err
	}
	return m.store.SetCredential(ctx, conn.ID, slot.OrDefault(), cred)
}

// ListConnections returns every connection ordered by name.
func (m *Manager) ListConnections(ctx context.Context) ([]*inventory.ProviderConnection, error) {
	return m.store.ListConnections(ctx)
}

// ListResources returns the managed resources of a connection.
func (m *Manager) ListResources(ctx context.Context, ref string) ([]inventory.ManagedResource, error) {
	conn, err := m.ResolveConnection(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.store.ListResources(ctx, conn.ID)
}

// ImportResult lists connection names by import outcome.
type ImportResult struct {
	Created []string          `json:"created"`
	Updated []string          `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// ImportConnections creates or updates connections by name and stores
// their declared credentials. Connections absent from specs are left
// alone. A failing entry does not stop the others.
func (m *Manager) ImportConnections(ctx context.Context, specs []config.ConnectionSpec) *ImportResult {
	result := &ImportResult{Failed: map[string]string{}}
	for _, spec := range specs {
		created, err := m.importConnection(ctx, spec)
		if err != nil {
			result.Failed[spec.Name] = err.Error()
			m.logger.WithField("connection_name", spec.Name).WithError(err).Error("failed to import connection")
			continue
		}
		if created {
			result.Created = append(result.Created, spec.Name)
		} else {
			result.Updated = append(result.Updated, spec.Name)
		}
	}
	m.logger.WithFields(map[string]interface{}{
		"created": len(result.Created),
		"updated": len(result.Updated),
		"failed":  len(result.Failed),
	}).Info("connections imported")
	return result
}

func (m *Manager) importConnection(ctx context.Context, spec config.ConnectionSpec) (bool, error) {
	want := spec.Connection()
	if err := m.checkConnection(want); err != nil {
		return false, err
	}

	conn, err := m.store.GetConnectionByName(ctx, spec.Name)
	created := false
	switch {
	case errors.Is(err, stores.ErrNotFound):
		if err := m.store.CreateConnection(ctx, want); err != nil {
			return false, err
		}
		conn, created = want, true
	case err != nil:
		return false, err
	default:
		if conn.ProviderType != want.ProviderType {
			return false, fmt.Errorf("connection %q is a %s connection, not %s", spec.Name, conn.ProviderType, want.ProviderType)
		}
		conn.TenantID = want.TenantID
		conn.Zone = want.Zone
		conn.Region = want.Region
		conn.Endpoint = want.Endpoint
		if err := m.store.UpdateConnection(ctx, conn); err != nil {
			return false, err
		}
	}

	for _, slot := range spec.Slots() {
		cred, _ := spec.Credential(slot)
		if err := m.store.SetCredential(ctx, conn.ID, slot, cred); err != nil {
			return created, fmt.Errorf("failed to store %s credentials: %w", slot, err)
		}
	}

	_ = m.tel.Events.PublishConnectionImported(conn.ID, conn.Name, created)
	return created, nil
}
