// Package main provides the bitten-master command: the build master server
// and its administration commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bitten-master/src/admin"
	"bitten-master/src/contracts"
	"bitten-master/src/config"
	"bitten-master/src/logger"
	"bitten-master/src/master"
	"bitten-master/src/store"
)

// app holds what every subcommand shares once the root command has loaded
// the configuration.
type app struct {
	configPath string
	cfg        *config.Config
	log        *logger.ConsoleLogger
}

// env is an opened store with the services built on it.
type env struct {
	store  store.Store
	master *master.BuildMaster
	admin  *admin.Service
}

func (a *app) open() (*env, error) {
	s, err := store.Open(a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", a.cfg.Store.Driver, err)
	}
	bm := master.New(s, a.cfg.Master, a.log)
	return &env{store: s, master: bm, admin: admin.New(s, bm, a.log)}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "bitten-master",
		Short: "Bitten - a distributed continuous integration build master",
		Long: `Bitten orchestrates builds of repository revisions on remote slaves.

The master keeps build configurations and their target platforms, queues a
build for every new revision on every platform, hands builds to matching
slaves and records the steps, logs and reports they submit.

Settings are read from the file given with --config and from BITTEN_*
environment variables, e.g. BITTEN_STORE_DRIVER=postgres.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			log, err := logger.New(logger.Options{Level: cfg.Log.Level, Dir: cfg.Log.Dir, Out: cmd.ErrOrStderr()})
			if err != nil {
				log.Error("[Master] %v", err)
			}
			a.log = log
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.log != nil {
				return a.log.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the configuration file (YAML)")

	root.AddCommand(
		newServeCmd(a),
		newConfigCmd(a),
		newPlatformCmd(a),
		newBuildCmd(a),
		newOptionsCmd(a),
		newWatchCmd(a),
		newMCPCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, contracts.WrapError(err))
		os.Exit(1)
	}
}
