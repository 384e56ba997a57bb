// Package cli implements the safertos command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"safertos/config"
)

type options struct {
	cfgFile string
	verbose bool
	v       *viper.Viper
}

// NewRootCmd returns the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	o := &options{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "safertos",
		Short: "Fixed-priority, event-triggered multi-core kernel simulator",
		Long: `safertos runs a build of the safety kernel on the host: one scheduler per core,
deadline monitoring, process fault isolation and inter-core notifications.

Configuration sources (in priority order):
  1. Environment variables (SAFERTOS_*)
  2. Configuration file (--config)
  3. Built-in reference build`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.initConfig()
		},
	}

	root.PersistentFlags().StringVar(&o.cfgFile, "config", "", "build configuration file (YAML)")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(o),
		newCheckCmd(o),
		newConfigCmd(o),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *options) initConfig() error {
	if o.cfgFile == "" {
		return nil
	}
	o.v.SetConfigFile(o.cfgFile)
	if err := o.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", o.cfgFile, err)
	}
	return nil
}

func (o *options) build() (config.Build, error) {
	return config.Load(o.v)
}

func (o *options) logger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if o.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
