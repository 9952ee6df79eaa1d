package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bridge-agent/internal/config"
	"bridge-agent/internal/utils"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the bridge-agent command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "bridge-agent",
		Short: "Cross-chain bridge agent",
		Long: `Runs the root and branch agents of a hub-and-spoke asset bridge.

A root agent executes deposits arriving from branch chains and settles
assets back to them; a branch agent escrows local tokens and executes the
root's settlements. The local role runs both in one process.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default config.local.yaml or config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewCheckDBCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewTOTPCommand())
	cmd.AddCommand(NewHashPasswordCommand())

	return cmd
}

// load reads the configuration and builds the process logger.
func (o *RootOptions) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	return cfg, utils.NewLogger(level, cfg.Log.Format), nil
}
