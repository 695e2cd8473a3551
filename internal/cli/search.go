// internal/cli/search.go
package cli

import (
	"strconv"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newSearchCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search synced repositories",
		Long:  `Rank packages by name, description and tag matches.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			rs := c.Search(query)
			if len(rs) == 0 {
				warning(cmd.OutOrStdout(), "No packages match %q", query)
				return nil
			}
			if limit > 0 && len(rs) > limit {
				rs = rs[:limit]
			}
			rows := make([][]string, 0, len(rs))
			for _, r := range rs {
				rows = append(rows, []string{
					r.Package.Name,
					r.Package.Version.String(),
					r.Repository,
					strconv.Itoa(r.Score),
					r.Package.Description,
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"Package", "Version", "Repository", "Score", "Description"}, rows)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n results")
	return cmd
}
