// internal/cli/install.go
package cli

import (
	"fmt"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newInstallCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "install [package...]",
		Short: "Install one or more packages",
		Long: `Install packages and their dependencies in one transaction.

Examples:
  mpkg install nginx
  mpkg install nginx@1.20.0
  mpkg install 'openssl>=3.0.0' curl
  mpkg install pkg:mpkg/nginx@1.20.0`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			reqs, err := mpkg.ParseRequests(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				plan, err := c.Plan(cmd.Context(), false, reqs...)
				if err != nil {
					return err
				}
				if plan.Empty() {
					success(out, "Nothing to do")
					return nil
				}
				fmt.Fprintln(out, "Would install:")
				printPlan(out, plan)
				return nil
			}

			res, err := c.Install(cmd.Context(), reqs...)
			if err != nil {
				failure(cmd.ErrOrStderr(), "Install failed: %v", err)
				return err
			}
			if res.Plan.Empty() {
				success(out, "Already installed")
				return nil
			}
			printPlan(out, res.Plan)
			success(out, "Installed %d package(s)", len(res.Plan.Entries))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without installing")
	return cmd
}
