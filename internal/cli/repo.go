// internal/cli/repo.go
package cli

import (
	"strconv"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newRepoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repo",
		Aliases: []string{"repository"},
		Short:   "Manage repositories",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			var rows [][]string
			for _, r := range c.Repositories() {
				synced := "never"
				if !r.LastSync.IsZero() {
					synced = r.LastSync.Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{
					r.Spec.ID, r.Spec.URL, strconv.Itoa(r.Spec.Priority), string(r.Status),
					strconv.Itoa(r.Packages), synced, r.LastError,
				})
			}
			renderTable(cmd.OutOrStdout(), []string{"ID", "URL", "Priority", "Status", "Packages", "Last sync", "Last error"}, rows)
			return nil
		}),
	}

	var spec mpkg.RepositorySpec
	add := &cobra.Command{
		Use:   "add <id> <url>",
		Short: "Add a repository",
		Args:  cobra.ExactArgs(2),
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			spec.ID, spec.URL = args[0], args[1]
			if err := c.AddRepository(spec); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Added repository %s", styleName.Render(spec.ID))
			return nil
		}),
	}
	add.Flags().IntVar(&spec.Priority, "priority", 50, "priority, smaller is preferred")
	add.Flags().StringVar(&spec.KeyID, "key", "", "key id that must sign the repository's packages")
	add.Flags().StringVar(&spec.Branch, "branch", "", "branch for git repositories")

	remove := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a repository and its cached data",
		Args:    cobra.ExactArgs(1),
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			if err := c.RemoveRepository(args[0]); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Removed repository %s", styleName.Render(args[0]))
			return nil
		}),
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}
