package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudmgr/pkg/credentials"
)

func newVerifyCommand(version string) *cobra.Command {
	var opts credentials.Options
	var authType string

	cmd := &cobra.Command{
		Use:   "verify CONNECTION",
		Short: "Verify the credentials of a connection",
		Long: `Perform one authenticated round trip against the provider. Values given
with --userid and --secret override the stored credentials for this call.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			opts.AuthType = credentials.Slot(authType)
			if err := a.mgr.VerifyCredentials(cmd.Context(), args[0], opts); err != nil {
				pterm.Error.Println(err.Error())
				return err
			}
			pterm.Success.Printf("Credentials for %s verified\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "userid", "", "override the stored user id")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "override the stored secret")
	cmd.Flags().StringVar(&authType, "auth-type", "", "credential slot (default, remote, ...)")
	return cmd
}
