// internal/cli/update.go
package cli

import (
	"fmt"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newUpdateCmd(a *app) *cobra.Command {
	var dryRun, check bool
	cmd := &cobra.Command{
		Use:     "update [package...]",
		Aliases: []string{"upgrade"},
		Short:   "Update installed packages",
		Long: `Update the named packages, or every installed package, to the newest
version offered by the synced repositories. Run "mpkg sync" first.`,
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			out := cmd.OutOrStdout()
			if check {
				ups := c.CheckUpdates()
				if len(ups) == 0 {
					success(out, "Everything is up to date")
					return nil
				}
				rows := make([][]string, 0, len(ups))
				for _, u := range ups {
					rows = append(rows, []string{u.Name, u.Installed.String(), u.Available.String(), u.Repository})
				}
				renderTable(out, []string{"Package", "Installed", "Available", "Repository"}, rows)
				return nil
			}

			if dryRun {
				plan, err := c.UpdatePlan(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if plan.Empty() {
					success(out, "Everything is up to date")
					return nil
				}
				diff, err := planDiff(c.List(), plan)
				if err != nil {
					return err
				}
				fmt.Fprint(out, diff)
				return nil
			}

			res, err := c.Update(cmd.Context(), args...)
			if err != nil {
				failure(cmd.ErrOrStderr(), "Update failed: %v", err)
				return err
			}
			if res.Plan.Empty() {
				success(out, "Everything is up to date")
				return nil
			}
			printPlan(out, res.Plan)
			success(out, "Updated %d package(s)", len(res.Plan.Entries))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the change to the installed set as a diff")
	cmd.Flags().BoolVar(&check, "check", false, "only list available updates")
	return cmd
}
