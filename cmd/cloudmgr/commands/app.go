package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	hcloudsdk "github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/openfroyo/cloudmgr/pkg/config"
	"github.com/openfroyo/cloudmgr/pkg/manager"
	"github.com/openfroyo/cloudmgr/pkg/provider"
	awsprovider "github.com/openfroyo/cloudmgr/pkg/provider/aws"
	hcloudprovider "github.com/openfroyo/cloudmgr/pkg/provider/hcloud"
	"github.com/openfroyo/cloudmgr/pkg/stores"
	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// app holds everything a command needs.
type app struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
	mgr   *manager.Manager
}

var newTelemetry = telemetry.NewTelemetry

// openApp wires the configured store, telemetry and providers. On failure
// whatever was already started is shut down again.
func openApp(ctx context.Context, version string) (_ *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sealer, err := cfg.Secrets.Sealer()
	if err != nil {
		return nil, err
	}
	a.store, err = stores.Open(ctx, stores.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
		Sealer:       sealer,
	})
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg, version)
	if err != nil {
		return nil, err
	}

	a.mgr = manager.New(a.store, registry, tel)
	return a, nil
}

func newRegistry(cfg *config.Config, version string) (*provider.Registry, error) {
	hcloudOpts := []hcloudprovider.Option{hcloudprovider.WithVersion(version)}
	if cfg.Providers.HCloud.Timeout > 0 {
		hcloudOpts = append(hcloudOpts, hcloudprovider.WithClientOptions(
			hcloudsdk.WithHTTPClient(&http.Client{Timeout: cfg.Providers.HCloud.Timeout}),
		))
	}

	return provider.NewRegistry(
		hcloudprovider.New(hcloudOpts...),
		awsprovider.New(awsprovider.WithDefaultRegion(cfg.Providers.AWS.DefaultRegion)),
	)
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.tel.Shutdown(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
