package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"ratchet/internal/app"
	"ratchet/internal/engine"
	logx "ratchet/pkg/logx"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the standing worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			a, err := app.New(cfg, registeredGraphs(), log, app.Options{
				Heartbeat: func() {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// First signal drains gracefully; a second one forces exit,
			// abandoning in-flight leases to natural expiry.
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received; draining (send again to force)")
				_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
				cancel()
				<-sigCh
				log.Warn("second signal; forcing exit")
				os.Exit(1)
			}()

			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			err = a.Run(ctx)
			switch {
			case errors.Is(err, engine.ErrWatchdog):
				log.Error("exiting on watchdog timeout")
				os.Exit(2)
			case err != nil:
				log.Error("abnormal shutdown", logx.Err(err))
				os.Exit(1)
			}
			log.Info("clean shutdown")
			return nil
		},
	}
}
