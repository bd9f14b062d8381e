package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore struct {
	creds map[Slot]*Credential
	err   error
	calls int
}

func (m *mapStore) GetCredential(_ context.Context, _ string, slot Slot) (*Credential, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.creds[slot]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

var userAndSecret = Fields{UserID: true, Secret: true}

func TestResolve_StoredDefault(t *testing.T) {
	store := &mapStore{creds: map[Slot]*Credential{
		SlotDefault: {UserID: "admin", Secret: "password"},
	}}

	got, err := Resolve(context.Background(), store, "c1", Options{}, userAndSecret)
	require.NoError(t, err)
	assert.Equal(t, Resolved{Slot: SlotDefault, UserID: "admin", Secret: "password"}, got)
}

func TestResolve_ExplicitWinsPerField(t *testing.T) {
	store := &mapStore{creds: map[Slot]*Credential{
		SlotDefault: {UserID: "admin", Secret: "password"},
	}}

	got, err := Resolve(context.Background(), store, "c1", Options{Secret: "override"}, userAndSecret)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.UserID)
	assert.Equal(t, "override", got.Secret)

	store.calls = 0
	got, err = Resolve(context.Background(), store, "c1", Options{UserID: "u", Secret: "s"}, userAndSecret)
	require.NoError(t, err)
	assert.Equal(t, "u", got.UserID)
	assert.Equal(t, "s", got.Secret)
	assert.Zero(t, store.calls, "fully explicit options skip the store")
}

func TestResolve_NamedSlot(t *testing.T) {
	store := &mapStore{creds: map[Slot]*Credential{
		SlotDefault: {UserID: "admin", Secret: "password"},
		SlotIPMI:    {UserID: "ipmi-user", Secret: "ipmi-pass"},
	}}

	got, err := Resolve(context.Background(), store, "c1", Options{AuthType: SlotIPMI}, userAndSecret)
	require.NoError(t, err)
	assert.Equal(t, SlotIPMI, got.Slot)
	assert.Equal(t, "ipmi-user", got.UserID)
}

func TestResolve_Missing(t *testing.T) {
	tests := []struct {
		name     string
		store    *mapStore
		opts     Options
		required Fields
		fields   []string
	}{
		{
			name:     "nothing stored nothing supplied",
			store:    &mapStore{},
			required: userAndSecret,
			fields:   []string{"userid", "secret"},
		},
		{
			name:     "stored userid only",
			store:    &mapStore{creds: map[Slot]*Credential{SlotDefault: {UserID: "admin"}}},
			required: userAndSecret,
			fields:   []string{"secret"},
		},
		{
			name:     "other slot stored",
			store:    &mapStore{creds: map[Slot]*Credential{SlotRemote: {UserID: "a", Secret: "b"}}},
			required: Fields{Secret: true},
			fields:   []string{"secret"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(context.Background(), tt.store, "c1", tt.opts, tt.required)
			var missing *MissingCredentialsError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.fields, missing.Fields)
			assert.Equal(t, "c1", missing.ConnectionID)
			assert.Contains(t, err.Error(), "no credentials defined")
		})
	}
}

func TestResolve_NotRequiredFieldMayBeEmpty(t *testing.T) {
	got, err := Resolve(context.Background(), &mapStore{}, "c1", Options{Secret: "token"}, Fields{Secret: true})
	require.NoError(t, err)
	assert.Empty(t, got.UserID)
	assert.Equal(t, "token", got.Secret)
}

func TestResolve_StoreFailure(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := Resolve(context.Background(), &mapStore{err: boom}, "c1", Options{}, userAndSecret)
	require.ErrorIs(t, err, boom)

	var missing *MissingCredentialsError
	assert.False(t, errors.As(err, &missing))
}

func TestSealer_RoundTrip(t *testing.T) {
	keyHex, err := GenerateKey()
	require.NoError(t, err)
	key, err := ParseKey(keyHex)
	require.NoError(t, err)

	sealer, err := NewSealer(key)
	require.NoError(t, err)

	sealed, err := sealer.Seal("hunter2", "c1/default")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	plain, err := sealer.Open(sealed, "c1/default")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = sealer.Open(sealed, "c2/default")
	assert.Error(t, err, "sealed value is bound to its context")
}

func TestSealer_RejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestPlaintextSealer(t *testing.T) {
	s := PlaintextSealer()
	sealed, err := s.Seal("token", "ctx")
	require.NoError(t, err)

	plain, err := s.Open(sealed, "ctx")
	require.NoError(t, err)
	assert.Equal(t, "token", plain)

	keyHex, _ := GenerateKey()
	key, _ := ParseKey(keyHex)
	keyed, _ := NewSealer(key)

	fromPlain, err := keyed.Open(sealed, "ctx")
	require.NoError(t, err, "plaintext rows stay readable after a key is configured")
	assert.Equal(t, "token", fromPlain)

	encrypted, _ := keyed.Seal("token", "ctx")
	_, err = s.Open(encrypted, "ctx")
	assert.Error(t, err)
}
