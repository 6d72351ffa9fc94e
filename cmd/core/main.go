// Package main is the companion-core command line: it runs the sync
// service and exposes the queue and content pipeline for operators.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dogtale/companion-core/internal/config"
	"github.com/dogtale/companion-core/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	inMemory   bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "companion-core",
		Short:         "Offline-first sync and content generation for the pet companion app",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (default: $CONFIG_PATH or ./config.yaml)")
	root.PersistentFlags().BoolVar(&opts.inMemory, "in-memory", false, "keep local state in memory instead of the data directory")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newDrainCmd(opts),
		newPendingCmd(opts),
		newRetryCmd(opts),
		newStoryCmd(opts),
		newTributeCmd(opts),
		newChatCmd(opts),
	)
	return root
}

func (o *options) load() error {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if o.inMemory {
		cfg.Store.InMemory = true
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level), logging.Format(cfg.Log.Format))
	o.cfg = cfg
	return nil
}
