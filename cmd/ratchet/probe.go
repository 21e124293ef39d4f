package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ratchet/internal/probe"
	"ratchet/internal/store"
)

func newProbeCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Seed probe entities to smoke-test the loop",
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

			ids := make([]string, count)
			for i := range ids {
				ids[i] = uuid.NewString()
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := probe.Seed(ctx, st, ids); err != nil {
				return err
			}
			fmt.Printf("seeded %d probe entities\n", count)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "how many probe entities to create")
	return cmd
}
