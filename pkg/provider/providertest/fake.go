// Package providertest provides an in-memory provider adapter for tests.
package providertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/provider"
)

// Type is the provider-type tag of the fake adapter.
const Type = "fake"

// ErrAuth is treated as an authentication rejection by the fake adapter.
var ErrAuth = errors.New("fake: unauthorized")

// PowerCall records one power call received by a fake client.
type PowerCall struct {
	Action string
	Ref    provider.ResourceRef
}

// Adapter is a configurable fake. The zero value is not usable; use New.
type Adapter struct {
	mu sync.Mutex

	// Graph is returned by FetchInventory and passed through by the parser.
	Graph *inventory.Graph

	// ConnectErr, VerifyErr, FetchErr and ParseErr fail the corresponding step.
	ConnectErr error
	VerifyErr  error
	FetchErr   error
	ParseErr   error

	// PowerErrs fails power calls for the resource names in the map.
	PowerErrs map[string]error

	// FetchHook, when set, runs inside FetchInventory before it returns.
	FetchHook func(ctx context.Context)

	Connects   []provider.ConnectParams
	Verifies   int
	Fetches    int
	PowerCalls []PowerCall
}

// New returns a fake adapter serving graph.
func New(graph *inventory.Graph) *Adapter {
	return &Adapter{Graph: graph, PowerErrs: map[string]error{}}
}

func (a *Adapter) Type() string        { return Type }
func (a *Adapter) Description() string { return "Fake Cloud" }

func (a *Adapter) Requirements() provider.Requirements {
	return provider.Requirements{
		Fields:          credentials.Fields{UserID: true, Secret: true},
		TenantRequired:  true,
		CredentialNames: "User ID and Secret",
	}
}

func (a *Adapter) IsAuthFailure(err error) bool { return errors.Is(err, ErrAuth) }

func (a *Adapter) Parser() provider.InventoryParser { return parser{a} }

func (a *Adapter) Connect(_ context.Context, params provider.ConnectParams) (provider.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Connects = append(a.Connects, params)
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	return &client{a: a}, nil
}

// SetGraph replaces the served graph.
func (a *Adapter) SetGraph(g *inventory.Graph) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Graph = g
}

// ConnectCount returns how many clients have been built.
func (a *Adapter) ConnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Connects)
}

// FetchCount returns how many inventory fetches have run.
func (a *Adapter) FetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Fetches
}

// Calls returns a copy of the recorded power calls.
func (a *Adapter) Calls() []PowerCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PowerCall(nil), a.PowerCalls...)
}

type client struct {
	a *Adapter
}

func (c *client) Verify(context.Context) error {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	c.a.Verifies++
	return c.a.VerifyErr
}

func (c *client) power(action string, ref provider.ResourceRef) error {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	c.a.PowerCalls = append(c.a.PowerCalls, PowerCall{Action: action, Ref: ref})
	return c.a.PowerErrs[ref.Name]
}

func (c *client) Start(_ context.Context, ref provider.ResourceRef) error {
	return c.power("start", ref)
}

func (c *client) Stop(_ context.Context, ref provider.ResourceRef) error {
	return c.power("stop", ref)
}

func (c *client) Restart(_ context.Context, ref provider.ResourceRef) error {
	return c.power("restart", ref)
}

func (c *client) FetchInventory(ctx context.Context) (*provider.RawInventory, error) {
	c.a.mu.Lock()
	c.a.Fetches++
	hook, err, graph := c.a.FetchHook, c.a.FetchErr, c.a.Graph
	c.a.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &provider.RawInventory{ProviderType: Type, FetchedAt: time.Now(), Data: graph}, nil
}

type parser struct {
	a *Adapter
}

func (p parser) Parse(raw *provider.RawInventory) (*inventory.Graph, error) {
	p.a.mu.Lock()
	err := p.a.ParseErr
	p.a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	g, ok := raw.Data.(*inventory.Graph)
	if !ok {
		return nil, errors.New("fake: unexpected payload")
	}
	if g == nil {
		return &inventory.Graph{}, nil
	}
	return g, nil
}
