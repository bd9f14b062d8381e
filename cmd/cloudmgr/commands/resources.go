package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newResourcesCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Inspect the local inventory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list CONNECTION",
		Short: "List the managed resources of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			resources, err := a.mgr.ListResources(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resources)
			}
			if len(resources) == 0 {
				pterm.Info.Println("No resources. Run 'cloudmgr refresh' first.")
				return nil
			}

			data := pterm.TableData{{"ID", "Name", "Group", "Ref", "Power state", "Flavor", "Address"}}
			for _, r := range resources {
				data = append(data, []string{
					r.ID, r.Name, orDash(r.ResourceGroup), r.EmsRef,
					orDash(r.RawPowerState), orDash(r.FlavorRef), orDash(r.IPAddress),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	})
	return cmd
}
