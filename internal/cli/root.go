// Package cli wires configuration, logging and the session runtime into the
// touch command line.
package cli

import (
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/peer-touch/internal/config"
	"github.com/rudransh-shrivastava/peer-touch/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *logrus.Logger
}

// flagOverrides maps command flags onto the config keys they replace.
var flagOverrides = map[string]func(*config.Config, string){
	"tracker": func(c *config.Config, v string) { c.TrackerURL = v },
	"addr":    func(c *config.Config, v string) { c.ListenAddr = v },
	"db":      func(c *config.Config, v string) { c.IdentityDB = v },
}

func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	for name, apply := range flagOverrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			apply(&cfg, f.Value.String())
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = log
	return nil
}

func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "touch",
		Long:          `touch links two peers over a WebRTC data channel and lets each feel whether the other is touching`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(root)

	root.AddCommand(newPeerCmd(opts))
	root.AddCommand(newTrackerCmd(opts))
	root.AddCommand(newIDCmd(opts))
	return root
}

// NewTrackerRootCmd is the tracker command as a standalone program.
func NewTrackerRootCmd() *cobra.Command {
	opts := &options{}
	cmd := newTrackerCmd(opts)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	opts.bind(cmd)
	return cmd
}

func (o *options) bind(cmd *cobra.Command) {
	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return o.load(cmd)
	}
	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func run(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func Execute() {
	run(NewRootCmd())
}

func ExecuteTracker() {
	run(NewTrackerRootCmd())
}
