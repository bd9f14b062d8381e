// Package refresh drives inventory refresh cycles. A Coordinator runs one
// cycle for one connection through the phases fetching, parsing and
// reconciling and records the outcome on the connection. A Pool runs
// cycles on a fixed set of workers with at most one cycle per connection
// at a time, and a Scheduler enqueues every connection on an interval.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/provider"
	"github.com/openfroyo/cloudmgr/pkg/stores"
	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// Phase is a state of the refresh state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseParsing     Phase = "parsing"
	PhaseReconciling Phase = "reconciling"
	PhaseSuccess     Phase = "success"
	PhaseError       Phase = "error"
)

// Store is the persistence used by the coordinator.
type Store interface {
	GetConnection(ctx context.Context, id string) (*inventory.ProviderConnection, error)
	ReconcileInventory(ctx context.Context, connectionID string, remote *inventory.Graph) (*inventory.Plan, error)
	SetRefreshStatus(ctx context.Context, connectionID string, status inventory.RefreshStatus, errMsg string, at time.Time) error
	CreateRefreshRun(ctx context.Context, run *stores.RefreshRun) error
	CompleteRefreshRun(ctx context.Context, run *stores.RefreshRun) error
}

// Outcome is the result of one refresh cycle.
type Outcome struct {
	ConnectionID string                  `json:"connection_id"`
	RunID        string                  `json:"run_id,omitempty"`
	Status       inventory.RefreshStatus `json:"status"`

	// Phase is the last phase entered; on failure, the failing phase.
	Phase Phase `json:"phase"`

	Summary  inventory.Summary `json:"summary"`
	Counts   map[string]int    `json:"counts,omitempty"`
	Duration time.Duration     `json:"duration"`

	// Err is set when the cycle failed and the failure was recorded.
	Err *provider.RefreshError `json:"-"`
}

// Coordinator runs refresh cycles. Cycles for the same connection are
// serialized; cycles for different connections run independently.
type Coordinator struct {
	connector *provider.Connector
	store     Store
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	now       func() time.Time

	mu     sync.Mutex
	locks  map[string]*connLock
	phases map[string]Phase
}

// connLock serializes the cycles of one connection. The entry is dropped
// once no cycle holds or waits for it.
type connLock struct {
	ch   chan struct{}
	refs int
}

// NewCoordinator returns a coordinator.
func NewCoordinator(connector *provider.Connector, store Store, tel *telemetry.Telemetry) *Coordinator {
	return &Coordinator{
		connector: connector,
		store:     store,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("refresh"),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     map[string]*connLock{},
		phases:    map[string]Phase{},
	}
}

// Phase returns the current phase of a connection.
func (c *Coordinator) Phase(connectionID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phases[connectionID]; ok {
		return p
	}
	return PhaseIdle
}

func (c *Coordinator) setPhase(connectionID string, p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p == PhaseIdle {
		delete(c.phases, connectionID)
		return
	}
	c.phases[connectionID] = p
}

// lock waits until no other cycle of the connection is running.
func (c *Coordinator) lock(ctx context.Context, connectionID string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[connectionID]
	if !ok {
		l = &connLock{ch: make(chan struct{}, 1)}
		c.locks[connectionID] = l
	}
	l.refs++
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if l.refs--; l.refs == 0 {
			delete(c.locks, connectionID)
		}
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// Refresh runs one cycle for the connection. Fetch, parse and reconcile
// failures are recorded on the connection and returned in Outcome.Err; the
// returned error is reserved for faults that prevent recording, such as an
// unknown connection. The outcome is recorded even when ctx is cancelled
// during the cycle.
func (c *Coordinator) Refresh(ctx context.Context, connectionID string) (*Outcome, error) {
	conn, err := c.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	unlock, err := c.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer c.setPhase(connectionID, PhaseIdle)

	logger := c.logger.WithConnection(conn.ID, conn.Name).WithProvider(conn.ProviderType)
	started := c.now()
	recordCtx := context.WithoutCancel(ctx)

	run := &stores.RefreshRun{ConnectionID: conn.ID, Phase: string(PhaseFetching), StartedAt: started}
	if err := c.store.CreateRefreshRun(recordCtx, run); err != nil {
		logger.WithError(err).Warn("failed to record refresh run")
		run = nil
	}

	ctx, span := c.tel.Tracer.StartRefreshSpan(ctx, conn.ID, conn.ProviderType)
	c.tel.Metrics.RecordRefreshStarted()

	out := &Outcome{ConnectionID: conn.ID}
	if run != nil {
		out.RunID = run.ID
	}
	graph, plan, refreshErr := c.cycle(ctx, conn, out)
	out.Duration = time.Since(started)

	at := c.now()
	var statusErr error
	if refreshErr != nil {
		out.Status = inventory.RefreshStatusError
		out.Err = refreshErr
		c.setPhase(conn.ID, PhaseError)
		statusErr = c.store.SetRefreshStatus(recordCtx, conn.ID, inventory.RefreshStatusError, failureMessage(refreshErr), at)
	} else {
		out.Status = inventory.RefreshStatusSuccess
		out.Summary = plan.Summary()
		out.Counts = graph.Counts()
		c.setPhase(conn.ID, PhaseSuccess)
		statusErr = c.store.SetRefreshStatus(recordCtx, conn.ID, inventory.RefreshStatusSuccess, "", at)
	}

	c.tel.Metrics.RecordRefreshCompleted(conn.ProviderType, string(out.Status), out.Duration)
	telemetry.EndSpan(span, refreshErrOrNil(refreshErr))

	if statusErr != nil {
		if errors.Is(statusErr, stores.ErrNotFound) {
			logger.Warn("connection removed during refresh")
			c.tel.Metrics.ForgetConnection(conn.ID)
			return out, nil
		}
		return out, fmt.Errorf("failed to record refresh status: %w", statusErr)
	}

	c.completeRun(recordCtx, logger, run, out)

	if refreshErr != nil {
		c.tel.Metrics.RecordError(string(provider.ErrorKindRefresh))
		_ = c.tel.Events.PublishRefreshFailed(conn.ID, string(refreshErr.Phase), failureMessage(refreshErr))
		logger.WithField("phase", string(refreshErr.Phase)).
			WithErrorDetail(refreshErr.Err).
			Error("refresh failed")
		return out, nil
	}

	c.tel.Metrics.SetInventoryCounts(conn.ID, out.Counts)
	_ = c.tel.Events.PublishRefreshCompleted(conn.ID, out.Summary.Created, out.Summary.Updated, out.Summary.Deleted, out.Duration)
	logger.WithFields(map[string]interface{}{
		"created":   out.Summary.Created,
		"updated":   out.Summary.Updated,
		"deleted":   out.Summary.Deleted,
		"unchanged": out.Summary.Unchanged,
		"duration":  out.Duration.String(),
	}).Info("refresh completed")
	return out, nil
}

// cycle runs the fetching, parsing and reconciling phases.
func (c *Coordinator) cycle(ctx context.Context, conn *inventory.ProviderConnection, out *Outcome) (*inventory.Graph, *inventory.Plan, *provider.RefreshError) {
	enter := func(p Phase) (context.Context, func(error)) {
		out.Phase = p
		c.setPhase(conn.ID, p)
		phaseCtx, span := c.tel.Tracer.StartPhaseSpan(ctx, string(p))
		return phaseCtx, func(err error) { telemetry.EndSpan(span, err) }
	}

	fetchCtx, end := enter(PhaseFetching)
	client, adapter, err := c.connector.Connect(fetchCtx, conn, credentials.Options{})
	var raw *provider.RawInventory
	if err == nil {
		err = c.tel.ProviderCall(fetchCtx, conn.ProviderType, "fetch_inventory", func(ctx context.Context) error {
			var fetchErr error
			raw, fetchErr = client.FetchInventory(ctx)
			return fetchErr
		})
	}
	end(err)
	if err != nil {
		return nil, nil, &provider.RefreshError{Phase: string(PhaseFetching), Err: err}
	}

	_, end = enter(PhaseParsing)
	graph, err := adapter.Parser().Parse(raw)
	end(err)
	if err != nil {
		return nil, nil, &provider.RefreshError{Phase: string(PhaseParsing), Err: err}
	}

	reconcileCtx, end := enter(PhaseReconciling)
	plan, err := c.store.ReconcileInventory(reconcileCtx, conn.ID, graph)
	end(err)
	if err != nil {
		return nil, nil, &provider.RefreshError{Phase: string(PhaseReconciling), Err: err}
	}

	return graph, plan, nil
}

func (c *Coordinator) completeRun(ctx context.Context, logger *telemetry.Logger, run *stores.RefreshRun, out *Outcome) {
	if run == nil {
		return
	}
	run.Phase = string(out.Phase)
	run.Summary = out.Summary
	if out.Err != nil {
		msg := failureMessage(out.Err)
		run.Status, run.Error = stores.RunStatusError, &msg
	} else {
		run.Status = stores.RunStatusSuccess
	}
	if err := c.store.CompleteRefreshRun(ctx, run); err != nil {
		logger.WithError(err).Warn("failed to complete refresh run")
	}
}

// failureMessage is the normalized message recorded for a failed cycle.
func failureMessage(err *provider.RefreshError) string {
	if msg := provider.NormalizeMessage(err.Error()); msg != "" {
		return msg
	}
	return fmt.Sprintf("refresh failed while %s", err.Phase)
}

func refreshErrOrNil(err *provider.RefreshError) error {
	if err == nil {
		return nil
	}
	return err
}
