package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudmgr/pkg/config"
	"github.com/openfroyo/cloudmgr/pkg/credentials"
	"github.com/openfroyo/cloudmgr/pkg/inventory"
)

func newConnectionCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "Manage provider connections",
	}

	cmd.AddCommand(newConnectionAddCommand(version))
	cmd.AddCommand(newConnectionListCommand(version))
	cmd.AddCommand(newConnectionRemoveCommand(version))
	cmd.AddCommand(newConnectionImportCommand(version))
	cmd.AddCommand(newConnectionCredentialsCommand(version))
	return cmd
}

func newConnectionAddCommand(version string) *cobra.Command {
	var (
		conn     inventory.ProviderConnection
		userID   string
		secret   string
		authType string
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a provider connection",
		Example: `  cloudmgr connection add hetzner --provider hcloud --tenant project-42 --userid token --secret $HCLOUD_TOKEN
  cloudmgr connection add aws-prod --provider aws --tenant 123456789012 --region eu-west-1 --userid AKIA... --secret ...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			conn.Name = args[0]
			if err := a.mgr.AddConnection(cmd.Context(), &conn); err != nil {
				return err
			}
			if userID != "" || secret != "" {
				cred := credentials.Credential{UserID: userID, Secret: secret}
				if err := a.mgr.SetCredentials(cmd.Context(), conn.ID, credentials.Slot(authType), cred); err != nil {
					return err
				}
			}
			pterm.Success.Printf("Added connection %s (%s)\n", conn.Name, conn.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&conn.ProviderType, "provider", "", "provider type (hcloud, aws)")
	cmd.Flags().StringVar(&conn.TenantID, "tenant", "", "provider account, project or tenant id")
	cmd.Flags().StringVar(&conn.Zone, "zone", "", "local zone assignment")
	cmd.Flags().StringVar(&conn.Region, "region", "", "provider region")
	cmd.Flags().StringVar(&conn.Endpoint, "endpoint", "", "provider API endpoint override")
	cmd.Flags().StringVar(&userID, "userid", "", "credential user id")
	cmd.Flags().StringVar(&secret, "secret", "", "credential secret")
	cmd.Flags().StringVar(&authType, "auth-type", "", "credential slot (default, remote, ...)")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newConnectionCredentialsCommand(version string) *cobra.Command {
	var (
		userID   string
		secret   string
		authType string
	)

	cmd := &cobra.Command{
		Use:   "credentials CONNECTION",
		Short: "Store credentials for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			cred := credentials.Credential{UserID: userID, Secret: secret}
			if err := a.mgr.SetCredentials(cmd.Context(), args[0], credentials.Slot(authType), cred); err != nil {
				return err
			}
			pterm.Success.Printf("Stored %s credentials for %s\n", credentials.Slot(authType).OrDefault(), args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "userid", "", "credential user id")
	cmd.Flags().StringVar(&secret, "secret", "", "credential secret")
	cmd.Flags().StringVar(&authType, "auth-type", "", "credential slot (default, remote, ...)")
	return cmd
}

func newConnectionListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provider connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			conns, err := a.mgr.ListConnections(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(conns)
			}
			if len(conns) == 0 {
				pterm.Info.Println("No connections defined.")
				return nil
			}

			data := pterm.TableData{{"Name", "Provider", "Tenant", "Zone", "Last refresh", "Status", "Error"}}
			for _, c := range conns {
				last := "-"
				if c.LastRefreshDate != nil {
					last = c.LastRefreshDate.Local().Format("2006-01-02 15:04:05")
				}
				msg := "-"
				if c.LastRefreshError != nil {
					msg = *c.LastRefreshError
				}
				data = append(data, []string{c.Name, c.ProviderType, c.TenantID, orDash(c.Zone), last, statusStyle(string(c.LastRefreshStatus)), msg})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

func newConnectionRemoveCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:     "remove CONNECTION",
		Aliases: []string{"rm"},
		Short:   "Remove a connection and its inventory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.mgr.RemoveConnection(cmd.Context(), args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Removed connection %s\n", args[0])
			return nil
		},
	}
}

func newConnectionImportCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "import [FILE]",
		Short: "Create or update connections from a connections file",
		Long: `Create or update connections from a YAML connections file. Without FILE
the connections_file setting is used. ${VAR} references are expanded from
the environment and a .env file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			path := a.cfg.ConnectionsFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no connections file given and connections_file is not set")
			}

			file, err := config.LoadConnections(path)
			if err != nil {
				return err
			}
			result := a.mgr.ImportConnections(cmd.Context(), file.Connections)
			if jsonOutput {
				return printJSON(result)
			}

			for _, name := range result.Created {
				pterm.Success.Printf("Created %s\n", name)
			}
			for _, name := range result.Updated {
				pterm.Info.Printf("Updated %s\n", name)
			}
			for name, msg := range result.Failed {
				pterm.Error.Printf("Failed %s: %s\n", name, msg)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d connections failed to import", len(result.Failed))
			}
			return nil
		},
	}
}

func statusStyle(status string) string {
	switch status {
	case string(inventory.RefreshStatusSuccess):
		return pterm.FgGreen.Sprint(status)
	case string(inventory.RefreshStatusError):
		return pterm.FgRed.Sprint(status)
	default:
		return pterm.FgYellow.Sprint(status)
	}
}
