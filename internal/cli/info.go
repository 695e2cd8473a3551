// internal/cli/info.go
package cli

import (
	"fmt"
	"strings"

	"github.com/arc-language/mpkg"
	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info [package]",
		Short: "Show information about a package",
		Long:  `Display the installed record of a package and the versions the repositories offer.`,
		Args:  cobra.ExactArgs(1),
		RunE: a.withCore(func(cmd *cobra.Command, c *mpkg.Core, args []string) error {
			info, err := c.Info(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Package: %s\n", styleName.Render(info.Name))
			if st := info.Installed; st != nil {
				fmt.Fprintf(out, "Installed: %s (%s, from %s)\n", st.Version, st.InstalledAt.Format("2006-01-02 15:04"), st.Repository)
				if st.Description != "" {
					fmt.Fprintf(out, "Description: %s\n", st.Description)
				}
				fmt.Fprintf(out, "Files: %d\n", len(st.Files))
				if deps := c.Dependents(info.Name); len(deps) > 0 {
					fmt.Fprintf(out, "Required by: %s\n", strings.Join(deps, ", "))
				}
			}
			if len(info.Available) > 0 {
				p := info.Available[0].Package
				if info.Installed == nil && p.Description != "" {
					fmt.Fprintf(out, "Description: %s\n", p.Description)
				}
				if p.License != "" {
					fmt.Fprintf(out, "License: %s\n", p.License)
				}
				fmt.Fprintf(out, "Package URL: %s\n", p.PURL(repoURL(c, info.Available[0].Repository)))
				var vs []string
				for _, cand := range info.Available {
					vs = append(vs, cand.Package.Version.String()+styleDim.Render("@"+cand.Repository))
				}
				fmt.Fprintf(out, "Available: %s\n", strings.Join(vs, ", "))
			}
			return nil
		}),
	}
}

func repoURL(c *mpkg.Core, id string) string {
	for _, r := range c.Repositories() {
		if r.Spec.ID == id {
			return r.Spec.URL
		}
	}
	return ""
}
