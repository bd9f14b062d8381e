// Package credentials resolves the user id and secret used to authenticate
// a provider connection from explicitly supplied values and the
// credential store, and seals secrets for storage.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Slot names a credential kind stored for a connection.
type Slot string

const (
	SlotDefault Slot = "default"
	SlotRemote  Slot = "remote"
	SlotWS      Slot = "ws"
	SlotIPMI    Slot = "ipmi"
)

// OrDefault returns SlotDefault when s is empty.
func (s Slot) OrDefault() Slot {
	if s == "" {
		return SlotDefault
	}
	return s
}

// ErrNotFound is returned by a Store when no credential is stored for the
// requested slot.
var ErrNotFound = errors.New("credential not found")

// Credential is a stored (userid, secret) pair.
type Credential struct {
	UserID string `json:"userid"`
	Secret string `json:"-"`
}

// Store is the read side of the credential store.
type Store interface {
	GetCredential(ctx context.Context, connectionID string, slot Slot) (*Credential, error)
}

// Options carries explicitly supplied credential values. Non-empty fields
// take precedence over the stored credential of the same slot.
type Options struct {
	AuthType Slot
	UserID   string
	Secret   string
}

// Fields declares which credential fields a provider requires.
type Fields struct {
	UserID bool
	Secret bool
}

// Resolved is the outcome of a successful resolution.
type Resolved struct {
	Slot   Slot
	UserID string
	Secret string
}

// MissingCredentialsError reports that a required credential field could
// not be resolved for a connection. It is returned before any network call.
type MissingCredentialsError struct {
	ConnectionID string
	Slot         Slot
	Fields       []string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("no credentials defined for connection %s (slot %s): missing %s",
		e.ConnectionID, e.Slot, strings.Join(e.Fields, ", "))
}

// Resolve merges explicit options with the stored credential of the slot,
// field by field, and fails with MissingCredentialsError when a required
// field is empty in both.
func Resolve(ctx context.Context, store Store, connectionID string, opts Options, required Fields) (Resolved, error) {
	slot := opts.AuthType.OrDefault()
	resolved := Resolved{Slot: slot, UserID: opts.UserID, Secret: opts.Secret}

	if (resolved.UserID == "" || resolved.Secret == "") && store != nil {
		stored, err := store.GetCredential(ctx, connectionID, slot)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Resolved{}, fmt.Errorf("failed to read %s credentials: %w", slot, err)
		case stored != nil:
			if resolved.UserID == "" {
				resolved.UserID = stored.UserID
			}
			if resolved.Secret == "" {
				resolved.Secret = stored.Secret
			}
		}
	}

	var missing []string
	if required.UserID && resolved.UserID == "" {
		missing = append(missing, "userid")
	}
	if required.Secret && resolved.Secret == "" {
		missing = append(missing, "secret")
	}
	if len(missing) > 0 {
		return Resolved{}, &MissingCredentialsError{ConnectionID: connectionID, Slot: slot, Fields: missing}
	}

	return resolved, nil
}
