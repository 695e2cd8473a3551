// internal/cli/remove.go
package cli

import (
	"errors"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newRemoveCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "remove [package...]",
		Aliases: []string{"uninstall", "rm"},
		Short:   "Remove installed packages",
		Long: `Remove packages. Packages that other installed packages depend on are
refused unless --force is given, which removes the dependents as well.`,
		Args: cobra.MinimumNArgs(1),
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			res, err := c.Remove(cmd.Context(), args, force)
			if err != nil {
				var ce *mpkg.ConflictError
				if errors.As(err, &ce) && !force {
					var by []string
					for _, cf := range ce.Conflicts {
						by = append(by, cf.With)
					}
					failure(cmd.ErrOrStderr(), "Required by %v; use --force to remove them too", by)
				} else {
					failure(cmd.ErrOrStderr(), "Remove failed: %v", err)
				}
				return err
			}
			for _, n := range res.Removed {
				success(cmd.OutOrStdout(), "Removed %s", styleName.Render(n))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "also remove packages that depend on the named ones")
	return cmd
}
