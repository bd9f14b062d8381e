// Package manager is the entry point for callers managing provider
// connections. It wires the connector, power executor and refresh
// coordinator over one store and exposes credential verification, power
// operations, refresh and connection management.
package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/power"
	"github.com/openfroyo/cloudmgr/pkg/provider"
	"github.com/openfroyo/cloudmgr/pkg/refresh"
	"github.com/openfroyo/cloudmgr/pkg/stores"
	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// ErrNoRefreshPool is returned by RequestRefresh before NewRefreshPool.
var ErrNoRefreshPool = errors.New("no refresh pool running")

// Manager is safe for concurrent use.
type Manager struct {
	store     stores.Store
	registry  *provider.Registry
	connector *provider.Connector
	executor  *power.Executor
	coord     *refresh.Coordinator
	pool      *refresh.Pool
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	validate  *validator.Validate
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	power []power.Option
}

// WithPowerOptions passes options to the power executor.
func WithPowerOptions(opts ...power.Option) Option {
	return func(o *options) {
		o.power = append(o.power, opts...)
	}
}

// New returns a manager over store using the adapters in registry.
func New(store stores.Store, registry *provider.Registry, tel *telemetry.Telemetry, opts ...Option) *Manager {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	connector := provider.NewConnector(registry, store)
	return &Manager{
		store:     store,
		registry:  registry,
		connector: connector,
		executor:  power.NewExecutor(connector, store, tel, o.power...),
		coord:     refresh.NewCoordinator(connector, store, tel),
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("manager"),
		validate:  validator.New(),
	}
}

// VerifyCredentials performs one authenticated round trip for a stored
// connection. Explicit values in opts override stored credentials per
// field. A reachable provider yields nil or one of
// MissingCredentialsError, InvalidCredentialsError and
// UnexpectedConnectionError. Before the provider is reached, an unknown
// connection returns stores.ErrNotFound and an unregistered provider type
// returns provider.ErrUnknownProvider, both unclassified.
func (m *Manager) VerifyCredentials(ctx context.Context, ref string, opts credentials.Options) error {
	conn, err := m.ResolveConnection(ctx, ref)
	if err != nil {
		return err
	}
	return m.VerifyConnection(ctx, conn, opts)
}

// VerifyConnection verifies a connection that may not be stored yet. Errors
// are as for VerifyCredentials.
func (m *Manager) VerifyConnection(ctx context.Context, conn *inventory.ProviderConnection, opts credentials.Options) error {
	ctx, span := m.tel.Tracer.StartSpan(ctx, "verify_credentials")
	logger := m.logger.WithConnection(conn.ID, conn.Name).WithProvider(conn.ProviderType)

	client, adapter, err := m.connector.Connect(ctx, conn, opts)
	if err == nil {
		err = m.tel.ProviderCall(ctx, conn.ProviderType, "verify", client.Verify)
	}
	if err != nil && adapter == nil {
		telemetry.EndSpan(span, err)
		return err
	}

	classified := provider.ClassifyConnectionError(adapter, err)
	telemetry.EndSpan(span, classified)

	kind := provider.KindOf(classified)
	switch kind {
	case provider.ErrorKindNone:
		m.tel.Metrics.RecordVerification(conn.ProviderType, "ok")
		_ = m.tel.Events.PublishCredentialsVerified(conn.ID)
		logger.Info("credentials verified")
		return nil
	case provider.ErrorKindUnexpectedConnection:
		logger.WithErrorDetail(err).Error("unexpected error verifying credentials")
	default:
		logger.WithField("kind", string(kind)).Warn(classified.Error())
	}

	m.tel.Metrics.RecordVerification(conn.ProviderType, string(kind))
	m.tel.Metrics.RecordError(string(kind))
	_ = m.tel.Events.PublishCredentialsRejected(conn.ID, string(kind), classified.Error())
	return classified
}

// PowerOp runs one power action against a resource. Provider failures are
// reported in the outcome; the error is reserved for an unknown resource.
func (m *Manager) PowerOp(ctx context.Context, resourceID string, action power.Action) (power.Outcome, error) {
	res, err := m.store.GetResource(ctx, resourceID)
	if err != nil {
		return power.Outcome{}, err
	}
	return m.executor.Execute(ctx, action, res), nil
}

// PowerOpBatch runs action against every resource. Unknown resources are
// reported as failed outcomes in their input position.
func (m *Manager) PowerOpBatch(ctx context.Context, action power.Action, resourceIDs []string) *power.Report {
	found := make([]*inventory.ManagedResource, 0, len(resourceIDs))
	missing := make(map[int]power.Outcome)
	for i, id := range resourceIDs {
		res, err := m.store.GetResource(ctx, id)
		if err != nil {
			missing[i] = power.Outcome{ResourceID: id, Action: action, Err: err}
			continue
		}
		found = append(found, res)
	}

	ran := m.executor.Batch(ctx, action, found)
	if len(missing) == 0 {
		return ran
	}

	report := &power.Report{Action: action, Outcomes: make([]power.Outcome, 0, len(resourceIDs))}
	next := 0
	for i := range resourceIDs {
		if out, ok := missing[i]; ok {
			report.Outcomes = append(report.Outcomes, out)
			continue
		}
		report.Outcomes = append(report.Outcomes, ran.Outcomes[next])
		next++
	}
	return report
}

// Refresh runs one refresh cycle for the connection and waits for it.
func (m *Manager) Refresh(ctx context.Context, ref string) (*refresh.Outcome, error) {
	conn, err := m.ResolveConnection(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.coord.Refresh(ctx, conn.ID)
}

// RefreshPhase returns the current refresh phase of a connection.
func (m *Manager) RefreshPhase(connectionID string) refresh.Phase {
	return m.coord.Phase(connectionID)
}

// NewRefreshPool returns a worker pool driving this manager's coordinator
// and makes it the target of RequestRefresh. The caller runs it.
func (m *Manager) NewRefreshPool(opts ...refresh.PoolOption) *refresh.Pool {
	m.pool = refresh.NewPool(m.coord, m.tel, opts...)
	return m.pool
}

// RequestRefresh queues a background refresh. It reports whether the
// request added work.
func (m *Manager) RequestRefresh(ctx context.Context, ref string) (bool, error) {
	if m.pool == nil {
		return false, ErrNoRefreshPool
	}
	conn, err := m.ResolveConnection(ctx, ref)
	if err != nil {
		return false, err
	}
	return m.pool.Enqueue(conn.ID), nil
}

// RefreshRuns returns the most recent refresh runs of a connection.
func (m *Manager) RefreshRuns(ctx context.Context, ref string, limit int) ([]*stores.RefreshRun, error) {
	conn, err := m.ResolveConnection(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.store.ListRefreshRuns(ctx, conn.ID, limit)
}

// ResolveConnection finds a connection by id, then by name.
func (m *Manager) ResolveConnection(ctx context.Context, ref string) (*inventory.ProviderConnection, error) {
	conn, err := m.store.GetConnection(ctx, ref)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}
	conn, err = m.store.GetConnectionByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", ref, err)
	}
	return conn, nil
}
