// Package main provides the bitten-slave command, which requests builds from
// a build master and executes their recipes on the local machine.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bitten-master/src/contracts"
	"bitten-master/src/logger"
	"bitten-master/src/slave"
)

type flags struct {
	name      string
	workDir   string
	logLevel  string
	logDir    string
	poll      time.Duration
	keepalive time.Duration
	single    bool
	keepFiles bool
	dryRun    bool
	osVersion string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "bitten-slave URL",
		Short: "Bitten build slave",
		Long: `Connects to the build master at URL, requests pending builds for this
machine and executes the steps of their recipes, reporting each step with
its log, errors and reports back to the master.

The master matches the slave against target platforms using its name, OS,
family, version, machine and processor.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(logger.Options{Level: f.logLevel, Dir: f.logDir, Out: cmd.ErrOrStderr()})
			if err != nil {
				log.Error("[Slave] %v", err)
			}
			defer log.Close()

			name := f.name
			if name == "" {
				if name, err = os.Hostname(); err != nil {
					return fmt.Errorf("failed to determine slave name: %w", err)
				}
			}
			info := slave.LocalInfo(name)
			info.OSVersion = f.osVersion

			runner := slave.NewRunner(slave.NewClient(args[0], name), slave.ShellExecutor{}, info, slave.Options{
				WorkDir:           f.workDir,
				PollInterval:      f.poll,
				KeepaliveInterval: f.keepalive,
				SingleBuild:       f.single,
				KeepFiles:         f.keepFiles,
				DryRun:            f.dryRun,
			}, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = runner.Run(ctx)
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return contracts.WrapError(err)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.name, "name", "", "slave name (defaults to the host name)")
	fs.StringVarP(&f.workDir, "work-dir", "d", "", "directory for build files (defaults to the temp dir)")
	fs.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&f.logDir, "log-dir", "", "also write a rotated log file here")
	fs.DurationVarP(&f.poll, "interval", "i", 5*time.Minute, "wait between requests when no build is pending")
	fs.DurationVar(&f.keepalive, "keepalive", time.Minute, "keepalive period during a build")
	fs.BoolVarP(&f.single, "single", "s", false, "exit after one build")
	fs.BoolVarP(&f.keepFiles, "keep-files", "k", false, "keep build directories")
	fs.BoolVarP(&f.dryRun, "dry-run", "n", false, "execute builds without reporting results")
	fs.StringVar(&f.osVersion, "os-version", "", "OS version reported to the master")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
