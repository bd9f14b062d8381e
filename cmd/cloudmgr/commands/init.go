package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/stores"
)

const defaultConfig = `# cloudmgr configuration

database:
  path: %s

logging:
  level: info
  format: console

refresh:
  interval: 15m
  workers: 4

metrics:
  enabled: true
  listen_address: ":9464"

secrets:
  key_file: %s

# connections_file: ./connections.yaml
`

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cloudmgr workspace",
		Long: `Initialize a workspace with a configuration file, a secret sealing key
and a migrated SQLite database.`,
		Example: `  # Initialize in ./data with ./cloudmgr.yaml
  cloudmgr init

  # Initialize with a custom config path
  cloudmgr init --config /etc/cloudmgr/cloudmgr.yaml --data-dir /var/lib/cloudmgr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("data_dir", dataDir).Str("config", configPath).Msg("Initializing workspace")

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			pterm.Success.Printf("Created directory: %s\n", dataDir)

			keyPath := filepath.Join(dataDir, "secret.key")
			if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
				key, err := credentials.GenerateKey()
				if err != nil {
					return fmt.Errorf("failed to generate secret key: %w", err)
				}
				if err := os.WriteFile(keyPath, []byte(key+"\n"), 0o600); err != nil {
					return fmt.Errorf("failed to write secret key: %w", err)
				}
				pterm.Success.Printf("Generated secret key: %s\n", keyPath)
			} else {
				pterm.Info.Printf("Secret key already exists: %s\n", keyPath)
			}

			key, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("failed to read secret key: %w", err)
			}
			raw, err := credentials.ParseKey(string(key))
			if err != nil {
				return err
			}
			sealer, err := credentials.NewSealer(raw)
			if err != nil {
				return err
			}

			dbPath := filepath.Join(dataDir, "cloudmgr.db")
			store, err := stores.Open(cmd.Context(), stores.Config{Path: dbPath, Sealer: sealer})
			if err != nil {
				return err
			}
			_ = store.Close()
			pterm.Success.Printf("Initialized SQLite database: %s\n", dbPath)

			path := configPath
			if path == "" {
				path = "./cloudmgr.yaml"
			}
			if _, err := os.Stat(path); err == nil {
				pterm.Info.Printf("Config file already exists: %s\n", path)
			} else {
				if err := os.WriteFile(path, []byte(fmt.Sprintf(defaultConfig, dbPath, keyPath)), 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				pterm.Success.Printf("Created config file: %s\n", path)
			}

			pterm.Println()
			pterm.Info.Println("Next steps:")
			pterm.Println("  cloudmgr connection add hetzner --provider hcloud --tenant <project> --userid token --secret <api-token>")
			pterm.Println("  cloudmgr verify hetzner")
			pterm.Println("  cloudmgr refresh hetzner")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the database and secret key")
	return cmd
}
