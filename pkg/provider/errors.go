package provider

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
)

// ErrorKind classifies a failure at the boundary where it happened.
type ErrorKind string

const (
	// ErrorKindNone is reported for a nil error.
	ErrorKindNone ErrorKind = ""

	// ErrorKindMissingCredentials means a required credential field could
	// not be resolved. No network call was attempted.
	ErrorKindMissingCredentials ErrorKind = "missing_credentials"

	// ErrorKindInvalidCredentials means the provider rejected the
	// credentials. The user can fix it.
	ErrorKindInvalidCredentials ErrorKind = "invalid_credentials"

	// ErrorKindUnexpectedConnection is any other connection-time failure.
	ErrorKindUnexpectedConnection ErrorKind = "unexpected_connection"

	// ErrorKindRefresh is a fetch or parse failure during refresh.
	ErrorKindRefresh ErrorKind = "refresh"

	// ErrorKindUnknown is an error that was never classified.
	ErrorKindUnknown ErrorKind = "unknown"
)

// MissingCredentialsError is returned by the Connector before any network call.
type MissingCredentialsError = credentials.MissingCredentialsError

// InvalidCredentialsError reports that the provider rejected the credentials.
type InvalidCredentialsError struct {
	// Provider is the display name of the provider.
	Provider string

	// CredentialNames names the credential pair the user should check.
	CredentialNames string
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("incorrect credentials - check your %s %s", e.Provider, e.CredentialNames)
}

// UnexpectedConnectionError is any connection-time failure that is not an
// authentication rejection. Its message is generic; the cause is logged
// where the error is classified and never carried to the caller.
type UnexpectedConnectionError struct {
	Provider string
}

const unexpectedConnectionMessage = "unexpected response returned from provider, see log for details"

func (e *UnexpectedConnectionError) Error() string {
	return unexpectedConnectionMessage
}

// RefreshError is a failure inside a refresh cycle. Its
// message is the underlying error's message.
type RefreshError struct {
	// Phase is the refresh phase that failed.
	Phase string
	Err   error
}

func (e *RefreshError) Error() string {
	if e.Err == nil {
		return "refresh failed while " + e.Phase
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// ClassifyConnectionError maps a raw connect or verify failure to the
// typed taxonomy. Already classified errors pass through unchanged.
func ClassifyConnectionError(adapter Adapter, err error) error {
	if err == nil {
		return nil
	}

	var missing *MissingCredentialsError
	if errors.As(err, &missing) {
		return missing
	}
	var invalid *InvalidCredentialsError
	if errors.As(err, &invalid) {
		return invalid
	}
	var unexpected *UnexpectedConnectionError
	if errors.As(err, &unexpected) {
		return unexpected
	}

	if adapter == nil {
		return &UnexpectedConnectionError{}
	}
	if adapter.IsAuthFailure(err) {
		return &InvalidCredentialsError{
			Provider:        adapter.Description(),
			CredentialNames: adapter.Requirements().CredentialNames,
		}
	}
	return &UnexpectedConnectionError{Provider: adapter.Description()}
}

// KindOf returns the kind of a classified error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var (
		missing    *MissingCredentialsError
		invalid    *InvalidCredentialsError
		unexpected *UnexpectedConnectionError
		refresh    *RefreshError
	)
	switch {
	case errors.As(err, &missing):
		return ErrorKindMissingCredentials
	case errors.As(err, &invalid):
		return ErrorKindInvalidCredentials
	case errors.As(err, &unexpected):
		return ErrorKindUnexpectedConnection
	case errors.As(err, &refresh):
		return ErrorKindRefresh
	default:
		return ErrorKindUnknown
	}
}

// MaxErrorMessageLength bounds messages recorded on a connection.
const MaxErrorMessageLength = 1024

// NormalizeMessage reduces an error message to its first non-empty line,
// trimmed and truncated to MaxErrorMessageLength bytes on a rune boundary.
func NormalizeMessage(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) <= MaxErrorMessageLength {
			return line
		}
		cut := MaxErrorMessageLength
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		return line[:cut]
	}
	return ""
}
