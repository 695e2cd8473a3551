// internal/cli/cache.go
package cli

import (
	"fmt"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the artifact cache",
	}

	var all bool
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove expired cache entries",
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			n := c.CleanCache(all)
			success(cmd.OutOrStdout(), "Removed %d cache entries", n)
			return nil
		}),
	}
	clean.Flags().BoolVar(&all, "all", false, "remove every entry, not only expired ones")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show cache occupancy and delta savings",
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			w := cmd.OutOrStdout()
			s := c.CacheStats()
			fmt.Fprintf(w, "Entries: %d\nSize: %d bytes\nHit rate: %.1f%%\n", s.Entries, s.Size, s.HitRate()*100)

			d := c.DeltaStats()
			fmt.Fprintf(w, "Delta transfers: %d (%d fell back)\n", d.Transfers, d.Fallbacks)
			if d.Transfers > 0 {
				fmt.Fprintf(w, "Delta bytes: %d of %d full (%.1f%% saved, avg compression %.2f)\n",
					d.BytesTransferred, d.FullBytes, d.SavingsPercent, d.AvgCompression)
			}
			return nil
		}),
	}

	cmd.AddCommand(clean, stats)
	return cmd
}
