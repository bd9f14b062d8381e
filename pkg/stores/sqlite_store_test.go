package stores

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
)

// setupTestStore creates a migrated store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	key, err := credentials.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	raw, err := credentials.ParseKey(key)
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}
	sealer, err := credentials.NewSealer(raw)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}

	store, err := Open(context.Background(), Config{
		Path:   filepath.Join(t.TempDir(), "cloudmgr.db"),
		Sealer: sealer,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createConnection(t *testing.T, store *SQLiteStore, name string) *inventory.ProviderConnection {
	t.Helper()
	conn := &inventory.ProviderConnection{
		Name:         name,
		ProviderType: "hcloud",
		TenantID:     "project-1",
		Zone:         "default",
	}
	if err := store.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("failed to create connection %s: %v", name, err)
	}
	return conn
}

func loadInventory(t *testing.T, store *SQLiteStore, connectionID string) *inventory.Graph {
	t.Helper()
	g, err := store.LoadInventory(context.Background(), connectionID)
	if err != nil {
		t.Fatalf("failed to load inventory: %v", err)
	}
	return g
}

func reconcile(t *testing.T, store *SQLiteStore, connectionID string, remote *inventory.Graph) *inventory.Plan {
	t.Helper()
	plan, err := store.ReconcileInventory(context.Background(), connectionID, remote)
	if err != nil {
		t.Fatalf("failed to reconcile inventory: %v", err)
	}
	return plan
}

func sampleGraph() *inventory.Graph {
	return &inventory.Graph{
		ResourceGroups: []inventory.ResourceGroup{{EmsRef: "pg-1", Name: "web", Location: "fsn1"}},
		Resources: []inventory.ManagedResource{
			{EmsRef: "1", Name: "web-1", ResourceGroup: "web", RawPowerState: "running", FlavorRef: "cx22", ZoneRef: "fsn1", ImageRef: "7"},
			{EmsRef: "2", Name: "web-2", ResourceGroup: "web", RawPowerState: "off", FlavorRef: "cx22", ZoneRef: "fsn1", ImageRef: "7"},
		},
		Flavors: []inventory.Flavor{{EmsRef: "cx22", Name: "cx22", CPUs: 2, MemoryMB: 4096, DiskGB: 40}},
		Zones:   []inventory.AvailabilityZone{{EmsRef: "fsn1", Name: "fsn1"}},
		Images:  []inventory.Image{{EmsRef: "7", Name: "ubuntu-24.04", OSType: "ubuntu"}},
	}
}

// TestStoreLifecycle tests health checks and that every table is migrated
func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	tables := []string{
		"provider_connections", "authentications", "resource_groups", "managed_resources",
		"flavors", "availability_zones", "images", "refresh_runs",
	}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestConnectionCRUD tests connection CRUD operations
func TestConnectionCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	conn := createConnection(t, store, "prod")
	if conn.ID == "" {
		t.Error("expected an ID to be assigned")
	}
	if conn.LastRefreshStatus != inventory.RefreshStatusUnknown {
		t.Errorf("expected status unknown, got %s", conn.LastRefreshStatus)
	}

	got, err := store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	if got.Name != "prod" || got.TenantID != "project-1" {
		t.Errorf("unexpected connection %+v", got)
	}
	if got.LastRefreshError != nil || got.LastRefreshDate != nil {
		t.Error("expected no refresh outcome on a new connection")
	}

	byName, err := store.GetConnectionByName(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to get connection by name: %v", err)
	}
	if byName.ID != conn.ID {
		t.Errorf("expected ID %s, got %s", conn.ID, byName.ID)
	}

	got.Region = "eu-central"
	if err := store.UpdateConnection(ctx, got); err != nil {
		t.Fatalf("failed to update connection: %v", err)
	}
	got, err = store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	if got.Region != "eu-central" {
		t.Errorf("expected region eu-central, got %s", got.Region)
	}

	createConnection(t, store, "dev")
	all, err := store.ListConnections(ctx)
	if err != nil {
		t.Fatalf("failed to list connections: %v", err)
	}
	if len(all) != 2 || all[0].Name != "dev" {
		t.Errorf("expected [dev prod], got %d connections", len(all))
	}

	dup := &inventory.ProviderConnection{Name: "prod", ProviderType: "hcloud", TenantID: "x"}
	if err := store.CreateConnection(ctx, dup); err == nil {
		t.Error("expected duplicate name to be rejected")
	}

	if err := store.DeleteConnection(ctx, conn.ID); err != nil {
		t.Fatalf("failed to delete connection: %v", err)
	}
	if _, err := store.GetConnection(ctx, conn.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteConnection(ctx, conn.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

// TestCredentials tests sealed credential storage per slot
func TestCredentials(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, store, "prod")

	if _, err := store.GetCredential(ctx, conn.ID, credentials.SlotDefault); !errors.Is(err, credentials.ErrNotFound) {
		t.Errorf("expected credentials.ErrNotFound, got %v", err)
	}

	if err := store.SetCredential(ctx, conn.ID, "", credentials.Credential{UserID: "admin", Secret: "password"}); err != nil {
		t.Fatalf("failed to set credential: %v", err)
	}
	cred, err := store.GetCredential(ctx, conn.ID, credentials.SlotDefault)
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if cred.UserID != "admin" || cred.Secret != "password" {
		t.Errorf("unexpected credential %+v", cred)
	}

	var sealed string
	if err := store.db.QueryRowContext(ctx,
		`SELECT secret FROM authentications WHERE connection_id = ?`, conn.ID).Scan(&sealed); err != nil {
		t.Fatalf("failed to read sealed secret: %v", err)
	}
	if strings.Contains(sealed, "password") {
		t.Error("expected secret to be sealed at rest")
	}

	if err := store.SetCredential(ctx, conn.ID, credentials.SlotDefault, credentials.Credential{UserID: "admin", Secret: "rotated"}); err != nil {
		t.Fatalf("failed to rotate credential: %v", err)
	}
	cred, err = store.GetCredential(ctx, conn.ID, credentials.SlotDefault)
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if cred.Secret != "rotated" {
		t.Errorf("expected rotated secret, got %s", cred.Secret)
	}

	if err := store.SetCredential(ctx, conn.ID, credentials.SlotIPMI, credentials.Credential{UserID: "root"}); err != nil {
		t.Fatalf("failed to set ipmi credential: %v", err)
	}
	cred, err = store.GetCredential(ctx, conn.ID, credentials.SlotIPMI)
	if err != nil {
		t.Fatalf("failed to get ipmi credential: %v", err)
	}
	if cred.UserID != "root" || cred.Secret != "" {
		t.Errorf("unexpected ipmi credential %+v", cred)
	}

	if err := store.DeleteCredential(ctx, conn.ID, credentials.SlotIPMI); err != nil {
		t.Fatalf("failed to delete credential: %v", err)
	}
	if _, err := store.GetCredential(ctx, conn.ID, credentials.SlotIPMI); !errors.Is(err, credentials.ErrNotFound) {
		t.Errorf("expected credentials.ErrNotFound, got %v", err)
	}
}

// TestReconcileInventory tests create, update and delete reconciliation
func TestReconcileInventory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, store, "prod")

	plan := reconcile(t, store, conn.ID, sampleGraph())
	if want := (inventory.Summary{Created: 6}); plan.Summary() != want {
		t.Errorf("expected %+v, got %+v", want, plan.Summary())
	}

	g := loadInventory(t, store, conn.ID)
	if len(g.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(g.Resources))
	}
	if g.Resources[0].ConnectionID != conn.ID || g.Resources[0].ID == "" {
		t.Errorf("expected stored resource to carry connection and ID, got %+v", g.Resources[0])
	}
	firstID := g.Resources[0].ID

	t.Run("same graph writes nothing", func(t *testing.T) {
		plan := reconcile(t, store, conn.ID, sampleGraph())
		if !plan.Empty() {
			t.Error("expected empty plan")
		}
		if n := plan.Summary().Unchanged; n != 6 {
			t.Errorf("expected 6 unchanged, got %d", n)
		}
	})

	t.Run("updates keep identity and removed entities go", func(t *testing.T) {
		remote := sampleGraph()
		remote.Resources[0].RawPowerState = "off"
		remote.Resources = remote.Resources[:1]
		remote.Images = nil

		plan := reconcile(t, store, conn.ID, remote)
		if want := (inventory.Summary{Updated: 1, Deleted: 2, Unchanged: 3}); plan.Summary() != want {
			t.Errorf("expected %+v, got %+v", want, plan.Summary())
		}

		g := loadInventory(t, store, conn.ID)
		if len(g.Resources) != 1 {
			t.Fatalf("expected 1 resource, got %d", len(g.Resources))
		}
		if g.Resources[0].ID != firstID {
			t.Errorf("expected ID %s to be kept, got %s", firstID, g.Resources[0].ID)
		}
		if g.Resources[0].RawPowerState != "off" {
			t.Errorf("expected power state off, got %s", g.Resources[0].RawPowerState)
		}
		if len(g.Images) != 0 {
			t.Errorf("expected images to be deleted, got %d", len(g.Images))
		}
	})

	t.Run("invalid remote graph commits nothing", func(t *testing.T) {
		before := loadInventory(t, store, conn.ID)

		remote := sampleGraph()
		remote.Flavors = append(remote.Flavors, inventory.Flavor{Name: "no-ref"})
		if _, err := store.ReconcileInventory(ctx, conn.ID, remote); err == nil {
			t.Fatal("expected invalid graph to be rejected")
		}

		if after := loadInventory(t, store, conn.ID); !reflect.DeepEqual(before, after) {
			t.Error("expected inventory to be unchanged")
		}
	})

	t.Run("unknown connection", func(t *testing.T) {
		if _, err := store.ReconcileInventory(ctx, "missing", sampleGraph()); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

// TestReconcileInventory_IsolatedPerConnection tests that two connections sharing remote
// references never touch each other's entities
func TestReconcileInventory_IsolatedPerConnection(t *testing.T) {
	store := setupTestStore(t)
	prod := createConnection(t, store, "prod")
	dev := createConnection(t, store, "dev")

	reconcile(t, store, prod.ID, sampleGraph())
	if want := (inventory.Summary{Created: 6}); reconcile(t, store, dev.ID, sampleGraph()).Summary() != want {
		t.Fatal("expected dev to get its own copy of every entity")
	}
	before := loadInventory(t, store, dev.ID)

	shrunk := sampleGraph()
	shrunk.Resources = shrunk.Resources[:1]
	shrunk.Resources[0].RawPowerState = "off"
	shrunk.Flavors = nil
	shrunk.Images = nil
	if plan := reconcile(t, store, prod.ID, shrunk); plan.Summary().Deleted != 3 {
		t.Errorf("expected 3 deletions for prod, got %+v", plan.Summary())
	}

	after := loadInventory(t, store, dev.ID)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("expected dev inventory to be unchanged, got %d resources and %d flavors", len(after.Resources), len(after.Flavors))
	}
	for _, r := range after.Resources {
		if r.ConnectionID != dev.ID {
			t.Errorf("resource %s belongs to %s, want %s", r.EmsRef, r.ConnectionID, dev.ID)
		}
	}

	if err := store.DeleteConnection(context.Background(), prod.ID); err != nil {
		t.Fatalf("failed to delete prod: %v", err)
	}
	if after := loadInventory(t, store, dev.ID); !reflect.DeepEqual(before, after) {
		t.Error("expected deleting prod to leave dev inventory intact")
	}
}

// TestDeleteConnectionCascades tests that a connection's rows go with it
func TestDeleteConnectionCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, store, "prod")

	reconcile(t, store, conn.ID, sampleGraph())
	if err := store.SetCredential(ctx, conn.ID, "", credentials.Credential{UserID: "u", Secret: "s"}); err != nil {
		t.Fatalf("failed to set credential: %v", err)
	}
	if err := store.CreateRefreshRun(ctx, &RefreshRun{ConnectionID: conn.ID}); err != nil {
		t.Fatalf("failed to create refresh run: %v", err)
	}

	if err := store.DeleteConnection(ctx, conn.ID); err != nil {
		t.Fatalf("failed to delete connection: %v", err)
	}

	for _, table := range []string{"authentications", "resource_groups", "managed_resources", "flavors", "availability_zones", "images", "refresh_runs"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Fatalf("failed to count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("%d rows left in %s", count, table)
		}
	}
}

// TestSetRefreshStatus tests the status and error pairing on connections
func TestSetRefreshStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, store, "prod")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.SetRefreshStatus(ctx, conn.ID, inventory.RefreshStatusError, "Bad Request", at); err != nil {
		t.Fatalf("failed to set refresh status: %v", err)
	}
	got, err := store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	if got.LastRefreshStatus != inventory.RefreshStatusError {
		t.Errorf("expected status error, got %s", got.LastRefreshStatus)
	}
	if got.LastRefreshError == nil || *got.LastRefreshError != "Bad Request" {
		t.Errorf("expected error 'Bad Request', got %v", got.LastRefreshError)
	}
	if got.LastRefreshDate == nil || !at.Equal(*got.LastRefreshDate) {
		t.Errorf("expected refresh date %s, got %v", at, got.LastRefreshDate)
	}

	if err := store.SetRefreshStatus(ctx, conn.ID, inventory.RefreshStatusSuccess, "ignored", at.Add(time.Hour)); err != nil {
		t.Fatalf("failed to set refresh status: %v", err)
	}
	got, err = store.GetConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	if got.LastRefreshStatus != inventory.RefreshStatusSuccess {
		t.Errorf("expected status success, got %s", got.LastRefreshStatus)
	}
	if got.LastRefreshError != nil {
		t.Error("expected success to clear the error")
	}

	if err := store.SetRefreshStatus(ctx, conn.ID, inventory.RefreshStatusError, "", at); err == nil {
		t.Error("expected error status without a message to be rejected")
	}
	if err := store.SetRefreshStatus(ctx, conn.ID, "bogus", "", at); err == nil {
		t.Error("expected unknown status to be rejected")
	}
	if err := store.SetRefreshStatus(ctx, "missing", inventory.RefreshStatusSuccess, "", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// The table constraint holds even for direct writes.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE provider_connections SET last_refresh_status = 'error', last_refresh_error = NULL WHERE id = ?`, conn.ID); err == nil {
		t.Error("expected check constraint to reject error without message")
	}
}

func TestUpdatePowerState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, store, "prod")
	reconcile(t, store, conn.ID, sampleGraph())

	resources, err := store.ListResources(ctx, conn.ID)
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	target := resources[0]

	if err := store.UpdatePowerState(ctx, target.ID, inventory.PowerStateStopping); err != nil {
		t.Fatalf("failed to update power state: %v", err)
	}

	got, err := store.GetResource(ctx, target.ID)
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if got.RawPowerState != inventory.PowerStateStopping {
		t.Errorf("expected power state %s, got %s", inventory.PowerStateStopping, got.RawPowerState)
	}
	if got.Name != target.Name || got.IPAddress != target.IPAddress {
		t.Error("expected other fields to be untouched")
	}

	if err := store.UpdatePowerState(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetResource(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestRefreshRuns tests refresh run history
func TestRefreshRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, store, "prod")

	first := &RefreshRun{ConnectionID: conn.ID, Phase: "fetching", StartedAt: time.Now().UTC().Add(-time.Minute)}
	if err := store.CreateRefreshRun(ctx, first); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if first.Status != RunStatusRunning {
		t.Errorf("expected status running, got %s", first.Status)
	}

	msg := "Bad Request"
	first.Status, first.Phase, first.Error = RunStatusError, "fetching", &msg
	if err := store.CompleteRefreshRun(ctx, first); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	second := &RefreshRun{ConnectionID: conn.ID}
	if err := store.CreateRefreshRun(ctx, second); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	second.Status, second.Phase = RunStatusSuccess, "reconciling"
	second.Summary = inventory.Summary{Created: 3, Unchanged: 1}
	if err := store.CompleteRefreshRun(ctx, second); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	runs, err := store.ListRefreshRuns(ctx, conn.ID, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second.ID {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}
	if want := (inventory.Summary{Created: 3, Unchanged: 1}); runs[0].Summary != want {
		t.Errorf("expected summary %+v, got %+v", want, runs[0].Summary)
	}
	if runs[0].CompletedAt == nil {
		t.Error("expected completion time to be set")
	}
	if runs[1].Error == nil || *runs[1].Error != "Bad Request" {
		t.Errorf("expected error 'Bad Request', got %v", runs[1].Error)
	}

	limited, err := store.ListRefreshRuns(ctx, conn.ID, 1)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 run, got %d", len(limited))
	}

	if err := store.CompleteRefreshRun(ctx, &RefreshRun{ID: "missing", Status: RunStatusSuccess}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSealerMismatchFailsOpen(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, store, "prod")
	if err := store.SetCredential(ctx, conn.ID, "", credentials.Credential{UserID: "u", Secret: "s"}); err != nil {
		t.Fatalf("failed to set credential: %v", err)
	}

	other := &SQLiteStore{db: store.db, cfg: store.cfg, sealer: credentials.PlaintextSealer(), now: store.now}

	_, err := other.GetCredential(ctx, conn.ID, "")
	if err == nil || !strings.Contains(err.Error(), "failed to open secret") {
		t.Errorf("expected open failure, got %v", err)
	}
}
