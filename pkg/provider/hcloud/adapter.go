// Package hcloud implements the Hetzner Cloud provider adapter on top of
// hcloud-go. Placement groups are mapped to resource groups, server types
// to flavors and locations to availability zones.
package hcloud

import (
	"context"
	"errors"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/provider"
)

const (
	// Type is the provider-type tag of Hetzner Cloud connections.
	Type = "hcloud"

	description     = "Hetzner Cloud"
	credentialNames = "API Token"
)

// Adapter builds Hetzner Cloud clients.
type Adapter struct {
	version string
	opts    []hcloud.ClientOption
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClientOptions appends options to every hcloud.Client the adapter builds.
func WithClientOptions(opts ...hcloud.ClientOption) Option {
	return func(a *Adapter) {
		a.opts = append(a.opts, opts...)
	}
}

// WithVersion sets the application version sent in the User-Agent.
func WithVersion(version string) Option {
	return func(a *Adapter) {
		a.version = version
	}
}

// New returns a Hetzner Cloud adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{version: "dev"}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Type() string        { return Type }
func (a *Adapter) Description() string { return description }

// Requirements: the token is the secret, the user id is unused, and the
// tenant id names the Hetzner project the token belongs to.
func (a *Adapter) Requirements() provider.Requirements {
	return provider.Requirements{
		Fields:          credentials.Fields{Secret: true},
		TenantRequired:  true,
		CredentialNames: credentialNames,
	}
}

// Connect builds an hcloud client. The client performs no request until
// it is used. Retries are disabled; retry policy belongs to the caller.
func (a *Adapter) Connect(_ context.Context, params provider.ConnectParams) (provider.Client, error) {
	token := params.Credentials.Secret
	if token == "" {
		return nil, errors.New("hcloud: empty API token")
	}

	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("cloudmgr", a.version),
		hcloud.WithRetryOpts(hcloud.RetryOpts{
			BackoffFunc: hcloud.ConstantBackoff(0),
			MaxRetries:  0,
		}),
	}
	if params.Connection.Endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(params.Connection.Endpoint))
	}
	opts = append(opts, a.opts...)

	return &Client{api: hcloud.NewClient(opts...)}, nil
}

// IsAuthFailure reports token rejections. A token without the needed
// permission is reported as forbidden and is treated the same way.
func (a *Adapter) IsAuthFailure(err error) bool {
	return hcloud.IsError(err, hcloud.ErrorCodeUnauthorized) ||
		hcloud.IsError(err, hcloud.ErrorCodeForbidden)
}

func (a *Adapter) Parser() provider.InventoryParser { return Parser{} }
