package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bitten-master/src/api"
	"bitten-master/src/broker"
	"bitten-master/src/contracts"
	"bitten-master/src/master"
	"bitten-master/src/notify"
	"bitten-master/src/repo"
	"bitten-master/src/view"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the build master",
		Long: `Runs the build master: the slave protocol and admin API over HTTP, the
changeset intake, the sweeper that returns builds of silent slaves to the
queue, and build notifications.

With broker.brokers set, build events, changesets and notifications travel
through Redpanda; otherwise an in-memory broker is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	e, err := a.open()
	if err != nil {
		return err
	}
	defer e.Close()

	brk, err := broker.New(a.cfg.Broker.Brokers, a.log)
	if err != nil {
		return err
	}
	defer brk.Close()

	e.master.AddListener(master.NewBrokerListener(brk, a.log))

	if n, err := e.master.Populate(ctx); err != nil {
		a.log.Error("[Master] Failed to populate build queue: %v", err)
	} else if n > 0 {
		a.log.Info("[Master] Enqueued %d builds", n)
	}

	views := view.NewPresenter(e.store, e.master.Options)
	srv := api.New(e.master, e.admin, views, a.log)
	intake := repo.NewIntake(brk, e.master.Repository(), a.log, func(ctx context.Context, cs contracts.Changeset) {
		if _, err := e.master.Populate(ctx); err != nil {
			a.log.Error("[Master] Failed to populate build queue after [%s]: %v", cs.Rev, err)
		}
	}).WithGroup(consumerGroup(a.cfg.Broker.GroupID, "intake"))
	notifier := notify.New(brk, e.store, a.cfg.Notify, a.log).
		WithGroup(consumerGroup(a.cfg.Broker.GroupID, "notify"))
	sweeper := master.NewSweeper(e.master, 0)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(ctx, a.cfg.HTTP.Addr, srv.Handler(), a.log) })
	g.Go(func() error { return intake.Run(ctx) })
	g.Go(func() error { return notifier.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	err = g.Wait()
	a.log.Info("[Master] Stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consumerGroup derives a component's group from the configured group ID.
func consumerGroup(id, component string) string {
	if id == "" {
		return ""
	}
	return id + "-" + component
}
