package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ratchet/internal/engine"
	"ratchet/internal/store"
)

func newOnceCmd() *cobra.Command {
	var runFor time.Duration

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one bounded pass of the worker loop and exit",
		Long: "Runs the identical readiness/lease/dispatch logic as serve, but for a\n" +
			"bounded period and synchronously. Intended for cron jobs and\n" +
			"environments that cannot host a standing process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			st, err := store.Open(store.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout}, log)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ecfg := engine.Config{
				Concurrency:        cfg.Runner.Concurrency,
				ConcurrencyPerType: cfg.Runner.ConcurrencyPerType,
				LeaseDuration:      cfg.Runner.LeaseDuration,
				DrainGrace:         cfg.Runner.DrainGrace,
			}
			handled, err := engine.RunOnce(ctx, ecfg, st, registeredGraphs(), log, nil, runFor)
			if err != nil {
				return err
			}

			types := make([]string, 0, len(handled))
			for typ := range handled {
				types = append(types, typ)
			}
			sort.Strings(types)
			if len(types) == 0 {
				fmt.Println("handled: nothing")
				return nil
			}
			for _, typ := range types {
				fmt.Printf("handled: %s=%d\n", typ, handled[typ])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&runFor, "run-for", 2*time.Second, "how long to keep dispatching before draining")
	return cmd
}
