// Package power issues start, stop and restart requests against remote
// compute resources. Failures are logged and reported per resource; they
// never propagate as errors, and the local power state changes only when
// the provider accepted the request.
package power

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/provider"
	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// Action is a power operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// ParseAction returns the action named s.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionStop, ActionRestart:
		return a, nil
	default:
		return "", fmt.Errorf("unknown power action %q", s)
	}
}

// TransitionalState is the power state recorded once the provider accepted
// the action.
func (a Action) TransitionalState() string {
	if a == ActionStop {
		return inventory.PowerStateStopping
	}
	return inventory.PowerStateStarting
}

// Store is the persistence used by the executor.
type Store interface {
	GetConnection(ctx context.Context, id string) (*inventory.ProviderConnection, error)
	UpdatePowerState(ctx context.Context, resourceID, state string) error
}

// Outcome is the result of one power request.
type Outcome struct {
	ResourceID   string `json:"resource_id"`
	ResourceName string `json:"resource_name"`
	ConnectionID string `json:"connection_id"`
	Action       Action `json:"action"`

	// Issued reports that the provider accepted the request.
	Issued bool `json:"issued"`

	// State is the power state after the call.
	State string `json:"state"`

	Err error `json:"-"`
}

// OK reports whether the request was accepted and recorded.
func (o Outcome) OK() bool { return o.Err == nil }

// Executor issues power requests. It is safe for concurrent use.
type Executor struct {
	connector   *provider.Connector
	store       Store
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
	parallelism int
}

// Option configures an Executor.
type Option func(*Executor)

// WithParallelism bounds the number of concurrent requests in a batch.
func WithParallelism(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// NewExecutor returns an executor.
func NewExecutor(connector *provider.Connector, store Store, tel *telemetry.Telemetry, opts ...Option) *Executor {
	e := &Executor{
		connector:   connector,
		store:       store,
		tel:         tel,
		logger:      tel.Logger.NewComponentLogger("power"),
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Start(ctx context.Context, res *inventory.ManagedResource) Outcome {
	return e.Execute(ctx, ActionStart, res)
}

func (e *Executor) Stop(ctx context.Context, res *inventory.ManagedResource) Outcome {
	return e.Execute(ctx, ActionStop, res)
}

func (e *Executor) Restart(ctx context.Context, res *inventory.ManagedResource) Outcome {
	return e.Execute(ctx, ActionRestart, res)
}

// Execute runs one power request for res. On acceptance res.RawPowerState
// is set to the transitional state in the store and on res.
func (e *Executor) Execute(ctx context.Context, action Action, res *inventory.ManagedResource) Outcome {
	return e.execute(ctx, newClientCache(e), action, res)
}

func (e *Executor) execute(ctx context.Context, clients *clientCache, action Action, res *inventory.ManagedResource) Outcome {
	ctx, span := e.tel.Tracer.StartPowerSpan(ctx, res.ID, string(action))

	out := Outcome{
		ResourceID:   res.ID,
		ResourceName: res.Name,
		ConnectionID: res.ConnectionID,
		Action:       action,
		State:        res.RawPowerState,
	}

	handle, err := clients.get(ctx, res.ConnectionID)
	if err == nil {
		ref := provider.ResourceRef{Name: res.Name, ResourceGroup: res.ResourceGroup, EmsRef: res.EmsRef}
		err = e.tel.ProviderCall(ctx, handle.providerType, "power_"+string(action), func(ctx context.Context) error {
			return call(ctx, handle.client, action, ref)
		})
	}
	if err != nil {
		out.Err = err
		e.fail(handle.providerType, res, action, err)
		telemetry.EndSpan(span, err)
		return out
	}
	out.Issued = true

	state := action.TransitionalState()
	if err := e.store.UpdatePowerState(ctx, res.ID, state); err != nil {
		out.Err = fmt.Errorf("power %s issued but state not recorded: %w", action, err)
		e.fail(handle.providerType, res, action, out.Err)
		telemetry.EndSpan(span, out.Err)
		return out
	}
	res.RawPowerState = state
	out.State = state

	e.tel.Metrics.RecordPowerOperation(handle.providerType, string(action), "issued")
	_ = e.tel.Events.PublishPowerIssued(res.ConnectionID, res.ID, string(action), state)
	e.logger.WithResource(res.ID, res.Name, res.EmsRef).
		WithField("action", string(action)).
		WithField("state", state).
		Info("power operation issued")
	telemetry.EndSpan(span, nil)
	return out
}

func (e *Executor) fail(providerType string, res *inventory.ManagedResource, action Action, err error) {
	if providerType == "" {
		providerType = "unknown"
	}
	e.tel.Metrics.RecordPowerOperation(providerType, string(action), "failed")
	_ = e.tel.Events.PublishPowerFailed(res.ConnectionID, res.ID, string(action), provider.NormalizeMessage(err.Error()))
	e.logger.WithResource(res.ID, res.Name, res.EmsRef).
		WithField("connection_id", res.ConnectionID).
		WithField("action", string(action)).
		WithErrorDetail(err).
		Error("power operation failed")
}

func call(ctx context.Context, c provider.Client, action Action, ref provider.ResourceRef) error {
	switch action {
	case ActionStart:
		return c.Start(ctx, ref)
	case ActionStop:
		return c.Stop(ctx, ref)
	case ActionRestart:
		return c.Restart(ctx, ref)
	default:
		return fmt.Errorf("unknown power action %q", action)
	}
}

type clientHandle struct {
	client       provider.Client
	providerType string
}

type clientResult struct {
	handle clientHandle
	err    error
}

// clientCache connects each connection at most once. Connection failures
// are cached as well.
type clientCache struct {
	e     *Executor
	group singleflight.Group
	mu    sync.Mutex
	byID  map[string]clientResult
}

func newClientCache(e *Executor) *clientCache {
	return &clientCache{e: e, byID: map[string]clientResult{}}
}

func (c *clientCache) get(ctx context.Context, connectionID string) (clientHandle, error) {
	c.mu.Lock()
	if r, ok := c.byID[connectionID]; ok {
		c.mu.Unlock()
		return r.handle, r.err
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do(connectionID, func() (any, error) {
		r := c.connect(ctx, connectionID)
		c.mu.Lock()
		c.byID[connectionID] = r
		c.mu.Unlock()
		return r, nil
	})
	r := v.(clientResult)
	return r.handle, r.err
}

func (c *clientCache) connect(ctx context.Context, connectionID string) clientResult {
	conn, err := c.e.store.GetConnection(ctx, connectionID)
	if err != nil {
		return clientResult{err: fmt.Errorf("failed to load connection: %w", err)}
	}
	client, adapter, err := c.e.connector.Connect(ctx, conn, credentials.Options{})
	handle := clientHandle{client: client, providerType: conn.ProviderType}
	if err != nil {
		if adapter != nil {
			classified := provider.ClassifyConnectionError(adapter, err)
			if provider.KindOf(classified) == provider.ErrorKindUnexpectedConnection {
				c.e.logger.WithConnection(conn.ID, conn.Name).WithErrorDetail(err).Error("unexpected connection error")
			}
			err = classified
		}
		return clientResult{handle: handle, err: err}
	}
	return clientResult{handle: handle}
}

// Batch runs action against every resource and collects the outcomes in
// input order. A failure for one resource does not affect the others.
func (e *Executor) Batch(ctx context.Context, action Action, resources []*inventory.ManagedResource) *Report {
	report := &Report{Action: action, Outcomes: make([]Outcome, len(resources))}
	clients := newClientCache(e)

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, res := range resources {
		g.Go(func() error {
			report.Outcomes[i] = e.execute(ctx, clients, action, res)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.WithFields(map[string]interface{}{
		"action":    string(action),
		"total":     len(resources),
		"succeeded": len(report.Succeeded()),
		"failed":    len(report.Failed()),
	}).Info("power batch finished")
	return report
}
