// internal/cli/history.go
package cli

import (
	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <transaction-id>",
		Short: "Show the log of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			recs, err := c.TransactionLog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				subject := r.Package
				if r.Version != "" {
					subject += "@" + r.Version
				}
				rows = append(rows, []string{r.Time.Format("15:04:05"), r.Level, r.Phase, subject, r.Message})
			}
			renderTable(cmd.OutOrStdout(), []string{"Time", "Level", "Phase", "Package", "Message"}, rows)
			return nil
		}),
	}
}
