package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ratchet/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print per-type queue depth and handled counters",
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

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			now := time.Now()
			for _, g := range registeredGraphs() {
				queued, err := st.ReadyCount(ctx, g.Type(), g.AutomaticStates(), now)
				if err != nil {
					return err
				}
				stats, err := st.GetStats(ctx, g.Type())
				if err != nil {
					return err
				}
				fmt.Printf("%-20s queued=%-6d last_sampled=%-6d handled_today=%d\n",
					g.Type(), queued, stats.MostRecentQueued(), stats.HandledToday(now))
			}
			return nil
		},
	}
}
