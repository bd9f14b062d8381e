package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cloudmgr.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Refresh.Interval)
	assert.Equal(t, 4, cfg.Refresh.Workers)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "us-east-1", cfg.Providers.AWS.DefaultRegion)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "cloudmgr.yaml", `
database:
  path: /var/lib/cloudmgr.db
logging:
  level: debug
  format: json
refresh:
  interval: 5m
  workers: 2
  zone: eu
providers:
  hcloud:
    timeout: 10s
`)
	t.Setenv("CLOUDMGR_REFRESH_WORKERS", "8")
	t.Setenv("CLOUDMGR_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cloudmgr.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Minute, cfg.Refresh.Interval)
	assert.Equal(t, 8, cfg.Refresh.Workers, "environment wins over the file")
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "eu", cfg.Refresh.Zone)
	assert.Equal(t, 10*time.Second, cfg.Providers.HCloud.Timeout)

	tel := cfg.TelemetryConfig("1.2.3")
	assert.Equal(t, "1.2.3", tel.ServiceVersion)
	assert.Equal(t, "warn", tel.Logging.Level)
}

func TestLoad_EnvNamesFollowKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CLOUDMGR_METRICS_ENABLED", "true")
	t.Setenv("CLOUDMGR_METRICS_LISTEN_ADDRESS", ":9200")
	t.Setenv("CLOUDMGR_PROVIDERS_AWS_DEFAULT_REGION", "eu-west-1")
	t.Setenv("CLOUDMGR_PROVIDERS_HCLOUD_TIMEOUT", "5s")
	t.Setenv("CLOUDMGR_CONNECTIONS_FILE", "connections.yaml")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.ListenAddress)
	assert.Equal(t, "eu-west-1", cfg.Providers.AWS.DefaultRegion)
	assert.Equal(t, 5*time.Second, cfg.Providers.HCloud.Timeout)
	assert.Equal(t, "connections.yaml", cfg.ConnectionsFile)

	assert.Equal(t, "CLOUDMGR_PROVIDERS_AWS_DEFAULT_REGION", EnvName("providers.aws.default_region"))
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, DefaultEnvFile, "CLOUDMGR_DATABASE_PATH=from-dotenv.db\n")
	t.Cleanup(func() { _ = os.Unsetenv("CLOUDMGR_DATABASE_PATH") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.Database.Path)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{name: "unknown field", content: "databse:\n  path: x\n", want: "field databse not found"},
		{name: "bad level", content: "logging:\n  level: loud\n", want: "Level"},
		{name: "zero workers", content: "refresh:\n  workers: 0\n", want: "Workers"},
		{name: "bad env duration", env: map[string]string{"CLOUDMGR_REFRESH_INTERVAL": "soon"}, want: "CLOUDMGR_REFRESH_INTERVAL"},
		{name: "bad env int", env: map[string]string{"CLOUDMGR_REFRESH_WORKERS": "many"}, want: "CLOUDMGR_REFRESH_WORKERS"},
		{name: "bad env bool", env: map[string]string{"CLOUDMGR_METRICS_ENABLED": "sometimes"}, want: "CLOUDMGR_METRICS_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Chdir(dir)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.content != "" {
				path = writeFile(t, dir, "cloudmgr.yaml", tt.content)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSecretsConfig_Sealer(t *testing.T) {
	sealer, err := SecretsConfig{}.Sealer()
	require.NoError(t, err)
	sealed, err := sealer.Seal("s3cret", "ctx")
	require.NoError(t, err)
	opened, err := credentials.PlaintextSealer().Open(sealed, "ctx")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", opened, "no key stores secrets unsealed")

	key, err := credentials.GenerateKey()
	require.NoError(t, err)
	keyFile := writeFile(t, t.TempDir(), "secret.key", key+"\n")

	sealer, err = SecretsConfig{KeyFile: keyFile}.Sealer()
	require.NoError(t, err)
	sealed, err = sealer.Seal("s3cret", "ctx")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "s3cret")

	_, err = SecretsConfig{Key: "abcd"}.Sealer()
	assert.Error(t, err)
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestParseConnections(t *testing.T) {
	doc := []byte(`
connections:
  - name: hetzner-prod
    provider: hcloud
    tenant_id: project-42
    zone: eu
    credentials:
      default:
        userid: token
        secret: ${HCLOUD_TOKEN}
  - name: aws-dev
    provider: aws
    tenant_id: "123456789012"
    region: eu-west-1
`)
	file, err := ParseConnections(doc, lookupFrom(map[string]string{"HCLOUD_TOKEN": "abc"}))
	require.NoError(t, err)
	require.Len(t, file.Connections, 2)

	spec := file.Connections[0]
	conn := spec.Connection()
	assert.Equal(t, "hetzner-prod", conn.Name)
	assert.Equal(t, "hcloud", conn.ProviderType)
	assert.Equal(t, "eu", conn.Zone)
	assert.Equal(t, []credentials.Slot{credentials.SlotDefault}, spec.Slots())

	cred, ok := spec.Credential(credentials.SlotDefault)
	require.True(t, ok)
	assert.Equal(t, credentials.Credential{UserID: "token", Secret: "abc"}, cred)

	assert.Empty(t, file.Connections[1].Slots())
	assert.Equal(t, "eu-west-1", file.Connections[1].Connection().Region)
}

func TestParseConnections_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "undefined variable",
			doc:  "connections:\n  - name: a\n    provider: hcloud\n    tenant_id: t\n    credentials:\n      default:\n        secret: ${NOPE}\n",
			want: "undefined environment variables: NOPE",
		},
		{name: "missing tenant", doc: "connections:\n  - name: a\n    provider: hcloud\n", want: "TenantID"},
		{
			name: "duplicate",
			doc:  "connections:\n  - {name: a, provider: hcloud, tenant_id: t}\n  - {name: a, provider: aws, tenant_id: t}\n",
			want: `duplicate connection "a"`,
		},
		{name: "bad endpoint", doc: "connections:\n  - {name: a, provider: hcloud, tenant_id: t, endpoint: 'not a url'}\n", want: "Endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConnections([]byte(tt.doc), lookupFrom(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseConnections_ExpandsAfterDecoding(t *testing.T) {
	doc := []byte(`
connections:
  - name: ${NAME}
    provider: hcloud
    tenant_id: project-${PROJECT}
    credentials:
      default:
        userid: token
        secret: ${TOKEN}
      ipmi:
        userid: root
        secret: "${IPMI_SECRET}"
`)
	env := map[string]string{
		"NAME":        "hetzner",
		"PROJECT":     "42",
		"TOKEN":       "abc #def",
		"IPMI_SECRET": "a: b",
	}
	file, err := ParseConnections(doc, lookupFrom(env))
	require.NoError(t, err)
	require.Len(t, file.Connections, 1)

	spec := file.Connections[0]
	assert.Equal(t, "hetzner", spec.Name)
	assert.Equal(t, "project-42", spec.TenantID)

	cred, ok := spec.Credential(credentials.SlotDefault)
	require.True(t, ok)
	assert.Equal(t, "abc #def", cred.Secret, "a comment marker in a value is kept")

	cred, ok = spec.Credential(credentials.SlotIPMI)
	require.True(t, ok)
	assert.Equal(t, "a: b", cred.Secret, "a mapping separator in a value is kept")
}

func TestParseConnections_ReportsEveryMissingVariable(t *testing.T) {
	doc := []byte("connections:\n  - name: a\n    provider: hcloud\n    tenant_id: ${TENANT}\n    credentials:\n      default:\n        userid: ${USER}\n        secret: ${TENANT}\n")
	_, err := ParseConnections(doc, lookupFrom(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined environment variables: TENANT, USER")
}

func TestParseConnections_Empty(t *testing.T) {
	file, err := ParseConnections(nil, lookupFrom(nil))
	require.NoError(t, err)
	assert.Empty(t, file.Connections)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "connections.yaml", "connections: []\n")

	reloaded := make(chan *ConnectionsFile, 4)
	w := NewWatcher(path, 20*time.Millisecond, func(_ context.Context, f *ConnectionsFile) error {
		reloaded <- f
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Writes before the watch is registered are missed, so keep writing
	// until a reload arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case f := <-reloaded:
			require.Len(t, f.Connections, 1)
			assert.Equal(t, "a", f.Connections[0].Name)
			return
		case <-tick.C:
			writeFile(t, dir, "connections.yaml", "connections:\n  - {name: a, provider: hcloud, tenant_id: t}\n")
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatcher_ReloadKeepsStateOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "connections.yaml", "connections: [")

	called := false
	w := NewWatcher(path, 0, func(context.Context, *ConnectionsFile) error {
		called = true
		return nil
	}, nil)
	w.Reload(context.Background())
	assert.False(t, called)
}
