// internal/cli/root.go
package cli

import (
	"context"

	"github.com/arc-language/mpkg"
	"github.com/arc-language/mpkg/pkg/core"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

// app carries global flags and the lazily opened Core of one invocation
type app struct {
	cfgFile    string
	installDir string
	cacheDir   string
	debug      bool

	core *mpkg.Core
}

// NewRootCmd builds the mpkg command tree
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "mpkg",
		Short: "Package manager with dependency resolution and delta updates",
		Long: `mpkg - package manager

Installs signed packages from one or more repositories, resolving
dependencies, caching artifacts and applying binary deltas on update.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.config/mpkg/config.yaml)")
	root.PersistentFlags().StringVar(&a.installDir, "install-dir", "", "install root")
	root.PersistentFlags().StringVar(&a.cacheDir, "cache-dir", "", "cache directory")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newInstallCmd(a),
		newRemoveCmd(a),
		newUpdateCmd(a),
		newSearchCmd(a),
		newInfoCmd(a),
		newListCmd(a),
		newSyncCmd(a),
		newCacheCmd(a),
		newRepoCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return root
}

// Execute executes the root command
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// open loads the configuration, applies flag overrides and builds the Core
func (a *app) open(cmd *cobra.Command) (*mpkg.Core, error) {
	if a.core != nil {
		return a.core, nil
	}
	cfg, err := core.LoadConfig(a.cfgFile)
	if err != nil {
		return nil, err
	}
	if a.installDir != "" {
		cfg.InstallDir = a.installDir
	}
	if a.cacheDir != "" {
		cfg.CacheDir = a.cacheDir
	}
	if a.debug {
		cfg.Debug = true
	}

	opts := log.Options{Level: log.WarnLevel, Prefix: "mpkg"}
	if cfg.Debug {
		opts.Level = log.DebugLevel
		opts.ReportTimestamp = true
	}
	c, err := mpkg.New(cfg, mpkg.WithLogger(log.NewWithOptions(cmd.ErrOrStderr(), opts)))
	if err != nil {
		return nil, err
	}
	a.core = c
	return c, nil
}

func (a *app) close() error {
	if a.core == nil {
		return nil
	}
	err := a.core.Close()
	a.core = nil
	return err
}

// withCore adapts fn into a RunE that opens the Core first and closes it
// when fn returns
func (a *app) withCore(fn func(cmd *cobra.Command, c *mpkg.Core, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		c, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, c, args)
	}
}
