package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/drone/envsubst/v2"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
)

// ConnectionsFile is the connection import file.
//
//	connections:
//	  - name: hetzner-prod
//	    provider: hcloud
//	    tenant_id: project-42
//	    credentials:
//	      default:
//	        userid: token
//	        secret: ${HCLOUD_TOKEN}
type ConnectionsFile struct {
	Connections []ConnectionSpec `yaml:"connections" validate:"dive"`
}

// ConnectionSpec declares one connection and its stored credentials.
type ConnectionSpec struct {
	Name     string `yaml:"name" validate:"required"`
	Provider string `yaml:"provider" validate:"required"`
	TenantID string `yaml:"tenant_id" validate:"required"`
	Zone     string `yaml:"zone"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`

	// Credentials is keyed by slot name.
	Credentials map[string]CredentialSpec `yaml:"credentials" validate:"dive"`
}

// CredentialSpec is one stored credential.
type CredentialSpec struct {
	UserID string `yaml:"userid"`
	Secret string `yaml:"secret"`
}

// Connection returns the declared connection model.
func (s ConnectionSpec) Connection() *inventory.ProviderConnection {
	return &inventory.ProviderConnection{
		Name:         s.Name,
		ProviderType: s.Provider,
		TenantID:     s.TenantID,
		Zone:         s.Zone,
		Region:       s.Region,
		Endpoint:     s.Endpoint,
	}
}

// Slots returns the declared credentials in slot order.
func (s ConnectionSpec) Slots() []credentials.Slot {
	slots := make([]credentials.Slot, 0, len(s.Credentials))
	for name := range s.Credentials {
		slots = append(slots, credentials.Slot(name).OrDefault())
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// Credential returns the credential declared for a slot.
func (s ConnectionSpec) Credential(slot credentials.Slot) (credentials.Credential, bool) {
	c, ok := s.Credentials[string(slot)]
	if !ok && slot == credentials.SlotDefault {
		c, ok = s.Credentials[""]
	}
	return credentials.Credential{UserID: c.UserID, Secret: c.Secret}, ok
}

// expander resolves ${VAR} references in decoded values and collects the
// names of unset variables so a missing secret never becomes an empty
// stored credential.
type expander struct {
	lookup  lookupFunc
	missing []string
	err     error
}

func (e *expander) expand(s *string) {
	if e.err != nil || !strings.Contains(*s, "$") {
		return
	}
	out, err := envsubst.Eval(*s, func(name string) string {
		v, ok := e.lookup(name)
		if !ok && !slices.Contains(e.missing, name) {
			e.missing = append(e.missing, name)
		}
		return v
	})
	if err != nil {
		e.err = err
		return
	}
	*s = out
}

func (e *expander) connection(c *ConnectionSpec) {
	for _, field := range []*string{&c.Name, &c.Provider, &c.TenantID, &c.Zone, &c.Region, &c.Endpoint} {
		e.expand(field)
	}
	for slot, cred := range c.Credentials {
		e.expand(&cred.UserID)
		e.expand(&cred.Secret)
		c.Credentials[slot] = cred
	}
}

func (e *expander) result() error {
	if e.err != nil {
		return e.err
	}
	if len(e.missing) > 0 {
		return fmt.Errorf("undefined environment variables: %s", strings.Join(e.missing, ", "))
	}
	return nil
}

// LoadConnections reads and validates a connection import file.
func LoadConnections(path string) (*ConnectionsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file: %w", err)
	}
	return ParseConnections(data, os.LookupEnv)
}

// ParseConnections decodes a connection import document. ${VAR}
// references in values are expanded after decoding, so a variable's value
// is never read as YAML. Every referenced variable must be set.
func ParseConnections(data []byte, lookup func(string) (string, bool)) (*ConnectionsFile, error) {
	var file ConnectionsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse connections file: %w", err)
	}

	exp := &expander{lookup: lookup}
	for i := range file.Connections {
		exp.connection(&file.Connections[i])
	}
	if err := exp.result(); err != nil {
		return nil, fmt.Errorf("failed to expand connections file: %w", err)
	}
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid connections file: %w", err)
	}

	seen := make(map[string]bool, len(file.Connections))
	for _, c := range file.Connections {
		if seen[c.Name] {
			return nil, fmt.Errorf("invalid connections file: duplicate connection %q", c.Name)
		}
		seen[c.Name] = true
	}
	return &file, nil
}
