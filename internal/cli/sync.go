// internal/cli/sync.go
package cli

import (
	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "sync [repository...]",
		Short: "Refresh repository catalogs",
		Long: `Fetch the catalogs of the named repositories, or of every enabled one.

Strategies: full, incremental, delta_based, smart (default from config).`,
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			results, err := c.Sync(cmd.Context(), strategy, args...)
			for _, r := range results {
				success(cmd.OutOrStdout(), "%s: generation %d via %s, %d updated, %d removed",
					styleName.Render(r.Repository), r.Generation, r.Strategy, r.Updated, r.Removed)
				for _, rej := range r.Rejected {
					warning(cmd.OutOrStdout(), "%s: skipped %v", r.Repository, rej)
				}
			}
			if err != nil {
				failure(cmd.ErrOrStderr(), "Sync failed: %v", err)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "sync strategy")
	return cmd
}
