// internal/cli/version.go
package cli

import (
	"fmt"

	"github.com/arc-language/mpkg/pkg/platform"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mpkg version %s (%s)\n", Version, platform.Detect())
		},
	}
}
