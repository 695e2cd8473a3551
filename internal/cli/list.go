// internal/cli/list.go
package cli

import (
	"fmt"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var explicit bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			var rows [][]string
			for _, st := range c.List() {
				if explicit && !st.Explicit {
					continue
				}
				reason := "dependency"
				if st.Explicit {
					reason = "explicit"
				}
				rows = append(rows, []string{st.Name, st.Version.String(), st.Repository, reason})
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No packages installed")
				return nil
			}
			renderTable(cmd.OutOrStdout(), []string{"Package", "Version", "Repository", "Reason"}, rows)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&explicit, "explicit", false, "only packages installed by request")
	return cmd
}
