package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudmgr/pkg/power"
	"github.com/openfroyo/cloudmgr/pkg/provider"
)

func newPowerCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Start, stop or restart resources",
		Long: `Issue a power request for each resource id. A failure for one resource
does not stop the others; the report lists every outcome.`,
	}

	for _, action := range []power.Action{power.ActionStart, power.ActionStop, power.ActionRestart} {
		cmd.AddCommand(newPowerActionCommand(version, action))
	}
	return cmd
}

func newPowerActionCommand(version string, action power.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " RESOURCE_ID...",
		Short: "Request " + string(action) + " of resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.mgr.PowerOpBatch(cmd.Context(), action, args)
			if jsonOutput {
				if err := printJSON(reportJSON(report)); err != nil {
					return err
				}
				return report.Err()
			}

			data := pterm.TableData{{"Resource", "Name", "Result", "State", "Error"}}
			for _, out := range report.Outcomes {
				result, msg := pterm.FgGreen.Sprint("issued"), "-"
				if !out.OK() {
					result, msg = pterm.FgRed.Sprint("failed"), provider.NormalizeMessage(out.Err.Error())
				}
				data = append(data, []string{out.ResourceID, orDash(out.ResourceName), result, orDash(out.State), msg})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			return report.Err()
		},
	}
}

type outcomeJSON struct {
	power.Outcome
	Error string `json:"error,omitempty"`
}

func reportJSON(r *power.Report) []outcomeJSON {
	out := make([]outcomeJSON, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		item := outcomeJSON{Outcome: o}
		if o.Err != nil {
			item.Error = o.Err.Error()
		}
		out = append(out, item)
	}
	return out
}
