package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudmgr/pkg/refresh"
)

func newRefreshCommand(version string) *cobra.Command {
	var (
		all     bool
		history int
	)

	cmd := &cobra.Command{
		Use:   "refresh [CONNECTION...]",
		Short: "Refresh the inventory of connections",
		Long: `Fetch the remote inventory of each connection and reconcile it into the
local model. The outcome is recorded on the connection.`,
		Example: `  cloudmgr refresh hetzner
  cloudmgr refresh --all
  cloudmgr refresh hetzner --history 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if history > 0 {
				if len(args) != 1 {
					return fmt.Errorf("--history needs exactly one connection")
				}
				return showHistory(cmd, a, args[0], history)
			}

			refs := args
			if all {
				conns, err := a.mgr.ListConnections(cmd.Context())
				if err != nil {
					return err
				}
				refs = refs[:0]
				for _, c := range conns {
					refs = append(refs, c.ID)
				}
			}
			if len(refs) == 0 {
				return fmt.Errorf("name a connection or use --all")
			}

			var outcomes []*refresh.Outcome
			failed := 0
			for _, ref := range refs {
				out, err := a.mgr.Refresh(cmd.Context(), ref)
				if err != nil {
					return err
				}
				outcomes = append(outcomes, out)
				if out.Err != nil {
					failed++
				}
			}
			if jsonOutput {
				if err := printJSON(outcomes); err != nil {
					return err
				}
			} else {
				data := pterm.TableData{{"Connection", "Status", "Created", "Updated", "Deleted", "Unchanged", "Duration", "Error"}}
				for _, out := range outcomes {
					msg := "-"
					if out.Err != nil {
						msg = fmt.Sprintf("%s: %s", out.Err.Phase, out.Err.Error())
					}
					data = append(data, []string{
						out.ConnectionID,
						statusStyle(string(out.Status)),
						fmt.Sprint(out.Summary.Created),
						fmt.Sprint(out.Summary.Updated),
						fmt.Sprint(out.Summary.Deleted),
						fmt.Sprint(out.Summary.Unchanged),
						out.Duration.Round(time.Millisecond).String(),
						msg,
					})
				}
				if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d refreshes failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "refresh every connection")
	cmd.Flags().IntVar(&history, "history", 0, "show the last N refresh runs instead of refreshing")
	return cmd
}

func showHistory(cmd *cobra.Command, a *app, ref string, limit int) error {
	runs, err := a.mgr.RefreshRuns(cmd.Context(), ref, limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(runs)
	}

	data := pterm.TableData{{"Started", "Status", "Phase", "Created", "Updated", "Deleted", "Error"}}
	for _, r := range runs {
		msg := "-"
		if r.Error != nil {
			msg = *r.Error
		}
		data = append(data, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			statusStyle(string(r.Status)),
			r.Phase,
			fmt.Sprint(r.Summary.Created),
			fmt.Sprint(r.Summary.Updated),
			fmt.Sprint(r.Summary.Deleted),
			msg,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
