// Package aws implements the Amazon EC2 provider adapter on top of
// aws-sdk-go-v2. VPCs are mapped to resource groups, instance types to
// flavors and availability zones to zones.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/provider"
)

const (
	// Type is the provider-type tag of AWS connections.
	Type = "aws"

	// DefaultRegion is used when neither the connection nor the adapter
	// configuration names a region.
	DefaultRegion = "us-east-1"

	description     = "AWS"
	credentialNames = "Access Key ID and Secret Access Key"
)

// authErrorCodes are the API error codes returned when AWS rejects the
// access key pair itself.
var authErrorCodes = map[string]bool{
	"AuthFailure":                 true,
	"InvalidClientTokenId":        true,
	"InvalidAccessKeyId":          true,
	"SignatureDoesNotMatch":       true,
	"UnrecognizedClientException": true,
	"ExpiredToken":                true,
}

// APIFactory builds the EC2 and STS clients for a loaded config.
type APIFactory func(cfg aws.Config, endpoint string) (EC2API, STSAPI)

// Adapter builds AWS clients.
type Adapter struct {
	factory       APIFactory
	defaultRegion string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithAPIFactory replaces the SDK client constructor.
func WithAPIFactory(f APIFactory) Option {
	return func(a *Adapter) {
		a.factory = f
	}
}

// WithDefaultRegion sets the region used by connections without one.
func WithDefaultRegion(region string) Option {
	return func(a *Adapter) {
		if region != "" {
			a.defaultRegion = region
		}
	}
}

// New returns an AWS adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{factory: sdkClients, defaultRegion: DefaultRegion}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func sdkClients(cfg aws.Config, endpoint string) (EC2API, STSAPI) {
	ec2Client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	stsClient := sts.NewFromConfig(cfg, func(o *sts.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return ec2Client, stsClient
}

func (a *Adapter) Type() string        { return Type }
func (a *Adapter) Description() string { return description }

// Requirements: the access key id is the user id, the secret access key
// is the secret and the tenant id is the 12-digit account id.
func (a *Adapter) Requirements() provider.Requirements {
	return provider.Requirements{
		Fields:          credentials.Fields{UserID: true, Secret: true},
		TenantRequired:  true,
		CredentialNames: credentialNames,
	}
}

// Connect loads an AWS config with static credentials. Loading reads the
// environment and shared config files but makes no request. SDK retries
// are disabled.
func (a *Adapter) Connect(ctx context.Context, params provider.ConnectParams) (provider.Client, error) {
	region := params.Connection.Region
	if region == "" {
		region = a.defaultRegion
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			params.Credentials.UserID, params.Credentials.Secret, "")),
		config.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ec2API, stsAPI := a.factory(cfg, params.Connection.Endpoint)
	return NewClient(ec2API, stsAPI, params.Connection.TenantID, region), nil
}

// IsAuthFailure reports rejected access keys and a key pair that belongs
// to a different account than the connection.
func (a *Adapter) IsAuthFailure(err error) bool {
	var mismatch *AccountMismatchError
	if errors.As(err, &mismatch) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return authErrorCodes[apiErr.ErrorCode()]
	}
	return false
}

func (a *Adapter) Parser() provider.InventoryParser { return Parser{} }

// AccountMismatchError reports that the credentials authenticate against
// another account than the connection's tenant id.
type AccountMismatchError struct {
	Expected string
	Actual   string
}

func (e *AccountMismatchError) Error() string {
	return fmt.Sprintf("credentials belong to account %s, connection expects %s", e.Actual, e.Expected)
}
