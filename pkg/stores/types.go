package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
)

// ErrNotFound is returned, wrapped, when a row does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the status of a refresh run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// RefreshRun is one recorded refresh cycle of a connection.
type RefreshRun struct {
	ID           string            `json:"id"`
	ConnectionID string            `json:"connection_id"`
	Status       RunStatus         `json:"status"`
	Phase        string            `json:"phase"`
	Error        *string           `json:"error,omitempty"`
	Summary      inventory.Summary `json:"summary"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration

	// Sealer protects stored secrets. Defaults to the plaintext sealer.
	Sealer credentials.Sealer
}

// Store is the persistence surface used by the refresh, power and manager
// packages.
type Store interface {
	credentials.Store

	CreateConnection(ctx context.Context, conn *inventory.ProviderConnection) error
	GetConnection(ctx context.Context, id string) (*inventory.ProviderConnection, error)
	GetConnectionByName(ctx context.Context, name string) (*inventory.ProviderConnection, error)
	ListConnections(ctx context.Context) ([]*inventory.ProviderConnection, error)
	UpdateConnection(ctx context.Context, conn *inventory.ProviderConnection) error
	DeleteConnection(ctx context.Context, id string) error

	SetCredential(ctx context.Context, connectionID string, slot credentials.Slot, cred credentials.Credential) error
	DeleteCredential(ctx context.Context, connectionID string, slot credentials.Slot) error

	LoadInventory(ctx context.Context, connectionID string) (*inventory.Graph, error)
	ReconcileInventory(ctx context.Context, connectionID string, remote *inventory.Graph) (*inventory.Plan, error)
	SetRefreshStatus(ctx context.Context, connectionID string, status inventory.RefreshStatus, errMsg string, at time.Time) error
	UpdatePowerState(ctx context.Context, resourceID, state string) error
	GetResource(ctx context.Context, id string) (*inventory.ManagedResource, error)
	ListResources(ctx context.Context, connectionID string) ([]inventory.ManagedResource, error)

	CreateRefreshRun(ctx context.Context, run *RefreshRun) error
	CompleteRefreshRun(ctx context.Context, run *RefreshRun) error
	ListRefreshRuns(ctx context.Context, connectionID string, limit int) ([]*RefreshRun, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s *sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t *sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
