package hcloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
	"github.com/openfroyo/cloudmgr/pkg/provider"
)

// testServer mocks the Hetzner Cloud API.
type testServer struct {
	server *httptest.Server
	mux    *http.ServeMux

	mu       sync.Mutex
	requests []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{mux: http.NewServeMux()}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.requests = append(ts.requests, r.Method+" "+r.URL.Path)
		ts.mu.Unlock()
		ts.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) handleFunc(pattern string, handler http.HandlerFunc) {
	ts.mux.HandleFunc(pattern, handler)
}

func (ts *testServer) seen() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.requests...)
}

func (ts *testServer) connect(t *testing.T) provider.Client {
	t.Helper()
	client, err := New().Connect(context.Background(), provider.ConnectParams{
		Connection:  inventory.ProviderConnection{ID: "c1", ProviderType: Type, TenantID: "project-1", Endpoint: ts.server.URL},
		Credentials: credentials.Resolved{Slot: credentials.SlotDefault, Secret: "test-token"},
	})
	require.NoError(t, err)
	return client
}

func jsonResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func actionResponse(command string) map[string]interface{} {
	return map[string]interface{}{
		"action": schema.Action{ID: 1, Command: command, Status: "running"},
	}
}

func TestAdapter_Constants(t *testing.T) {
	a := New()
	assert.Equal(t, "hcloud", a.Type())
	assert.Equal(t, "Hetzner Cloud", a.Description())

	req := a.Requirements()
	assert.True(t, req.Fields.Secret)
	assert.False(t, req.Fields.UserID)
	assert.True(t, req.TenantRequired)
	assert.False(t, req.HostnameRequired)
}

func TestAdapter_ConnectRejectsEmptyToken(t *testing.T) {
	_, err := New().Connect(context.Background(), provider.ConnectParams{})
	assert.Error(t, err)
}

func TestClient_VerifySendsToken(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.URL.Query().Get("per_page"))
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{}})
	})

	require.NoError(t, ts.connect(t).Verify(context.Background()))
}

func TestClient_VerifyUnauthorizedIsAuthFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusUnauthorized, schema.ErrorResponse{
			Error: schema.Error{Code: "unauthorized", Message: "unable to authenticate"},
		})
	})

	err := ts.connect(t).Verify(context.Background())
	require.Error(t, err)

	adapter := New()
	assert.True(t, adapter.IsAuthFailure(err))

	classified := provider.ClassifyConnectionError(adapter, err)
	assert.Equal(t, provider.ErrorKindInvalidCredentials, provider.KindOf(classified))
	assert.Equal(t, "incorrect credentials - check your Hetzner Cloud API Token", classified.Error())
}

func TestClient_VerifyServerErrorIsUnexpected(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusInternalServerError, schema.ErrorResponse{
			Error: schema.Error{Code: "server_error", Message: "internal"},
		})
	})

	err := ts.connect(t).Verify(context.Background())
	require.Error(t, err)
	assert.False(t, New().IsAuthFailure(err))
	assert.Equal(t, provider.ErrorKindUnexpectedConnection, provider.KindOf(provider.ClassifyConnectionError(New(), err)))
}

func TestClient_PowerCalls(t *testing.T) {
	ts := newTestServer(t)
	for _, command := range []string{"poweron", "shutdown", "reboot"} {
		command := command
		ts.handleFunc("/servers/42/actions/"+command, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			jsonResponse(w, http.StatusCreated, actionResponse(command))
		})
	}

	client := ts.connect(t)
	ref := provider.ResourceRef{Name: "web-1", ResourceGroup: "spread", EmsRef: "42"}
	ctx := context.Background()

	require.NoError(t, client.Start(ctx, ref))
	require.NoError(t, client.Stop(ctx, ref))
	require.NoError(t, client.Restart(ctx, ref))

	assert.Equal(t, []string{
		"POST /servers/42/actions/poweron",
		"POST /servers/42/actions/shutdown",
		"POST /servers/42/actions/reboot",
	}, ts.seen())
}

func TestClient_PowerByNameWhenRefUnknown(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "web-1" {
			jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{{ID: 7, Name: "web-1"}}})
			return
		}
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{}})
	})
	ts.handleFunc("/servers/7/actions/poweron", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusCreated, actionResponse("poweron"))
	})

	client := ts.connect(t)
	require.NoError(t, client.Start(context.Background(), provider.ResourceRef{Name: "web-1"}))

	err := client.Start(context.Background(), provider.ResourceRef{Name: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestClient_PowerFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers/42/actions/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusLocked, schema.ErrorResponse{
			Error: schema.Error{Code: "locked", Message: "server is locked"},
		})
	})

	err := ts.connect(t).Stop(context.Background(), provider.ResourceRef{Name: "web-1", EmsRef: "42"})
	require.Error(t, err)
	assert.True(t, hcloud.IsError(err, hcloud.ErrorCodeLocked))
}

func TestFetchAndParseInventory(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, _ *http.Request) {
		server := schema.Server{
			ID:     42,
			Name:   "web-1",
			Status: "running",
			PublicNet: schema.ServerPublicNet{
				IPv4: schema.ServerPublicNetIPv4{IP: "203.0.113.42"},
			},
			ServerType:     schema.ServerType{ID: 1, Name: "cx22", Cores: 2, Memory: 4, Disk: 40},
			Datacenter:     &schema.Datacenter{ID: 1, Name: "fsn1-dc14", Location: schema.Location{ID: 1, Name: "fsn1"}},
			Image:          &schema.Image{ID: 100, Name: hcloud.Ptr("ubuntu-24.04"), OSFlavor: "ubuntu", Type: "system"},
			PlacementGroup: &schema.PlacementGroup{ID: 9, Name: "spread", Type: "spread"},
		}
		bare := schema.Server{
			ID:         43,
			Name:       "worker-1",
			Status:     "off",
			ServerType: schema.ServerType{ID: 1, Name: "cx22", Cores: 2, Memory: 4, Disk: 40},
			Datacenter: &schema.Datacenter{ID: 1, Name: "fsn1-dc14", Location: schema.Location{ID: 1, Name: "fsn1"}},
			Image:      &schema.Image{ID: 100, Name: hcloud.Ptr("ubuntu-24.04"), OSFlavor: "ubuntu", Type: "system"},
		}
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{server, bare}})
	})
	ts.handleFunc("/placement_groups", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.PlacementGroupListResponse{
			PlacementGroups: []schema.PlacementGroup{{ID: 9, Name: "spread", Type: "spread", Servers: []int64{42}}},
		})
	})
	ts.handleFunc("/server_types", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.ServerTypeListResponse{
			ServerTypes: []schema.ServerType{{ID: 1, Name: "cx22", Cores: 2, Memory: 4, Disk: 40}},
		})
	})
	ts.handleFunc("/locations", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.LocationListResponse{
			Locations: []schema.Location{{ID: 1, Name: "fsn1"}, {ID: 2, Name: "nbg1"}},
		})
	})

	raw, err := ts.connect(t).FetchInventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Type, raw.ProviderType)

	g, err := New().Parser().Parse(raw)
	require.NoError(t, err)

	require.Len(t, g.Resources, 2)
	web := g.Resources[0]
	assert.Equal(t, "42", web.EmsRef)
	assert.Equal(t, "web-1", web.Name)
	assert.Equal(t, "spread", web.ResourceGroup)
	assert.Equal(t, "running", web.RawPowerState)
	assert.Equal(t, "cx22", web.FlavorRef)
	assert.Equal(t, "fsn1", web.ZoneRef)
	assert.Equal(t, "100", web.ImageRef)
	assert.Equal(t, "203.0.113.42", web.IPAddress)
	assert.Empty(t, g.Resources[1].ResourceGroup)

	assert.Equal(t, []inventory.ResourceGroup{{EmsRef: "9", Name: "spread"}}, g.ResourceGroups)
	assert.Equal(t, []inventory.Flavor{{EmsRef: "cx22", Name: "cx22", CPUs: 2, MemoryMB: 4096, DiskGB: 40}}, g.Flavors)
	assert.Len(t, g.Zones, 2)
	assert.Equal(t, []inventory.Image{{EmsRef: "100", Name: "ubuntu-24.04", OSType: "ubuntu"}}, g.Images, "images are deduplicated")
}

func TestFetchInventory_FailureStopsEarly(t *testing.T) {
	ts := newTestServer(t)
	ts.handleFunc("/servers", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusBadRequest, schema.ErrorResponse{
			Error: schema.Error{Code: "invalid_input", Message: "Bad Request"},
		})
	})

	_, err := ts.connect(t).FetchInventory(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad Request")
	assert.Equal(t, []string{"GET /servers"}, ts.seen())
}

func TestParser_RejectsForeignPayload(t *testing.T) {
	_, err := Parser{}.Parse(&provider.RawInventory{Data: "nope"})
	assert.Error(t, err)
	_, err = Parser{}.Parse(nil)
	assert.Error(t, err)
}
