package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ratchet/internal/config"
	"ratchet/internal/graph"
	"ratchet/internal/probe"
	logx "ratchet/pkg/logx"
)

var (
	flagConfig  string
	flagLevel   string
	flagConsole bool
)

func main() {
	root := &cobra.Command{
		Use:           "ratchet",
		Short:         "FSM reconciliation-loop task engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&flagLevel, "log-level", "", "override log level")
	root.PersistentFlags().BoolVar(&flagConsole, "console", false, "force human-readable console logging")

	root.AddCommand(newServeCmd(), newOnceCmd(), newStatusCmd(), newProbeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return config.Default(), nil
	}
	return config.Load(flagConfig)
}

func newLogger(cfg *config.Config) logx.Logger {
	level := cfg.Log.Level
	if flagLevel != "" {
		level = flagLevel
	}
	if flagConsole || cfg.Log.Console {
		return logx.NewConsole(level)
	}
	return logx.NewJSON(level)
}

// registeredGraphs lists every entity graph this deployment manages.
// Embedders add theirs here, next to the built-in probe graph.
func registeredGraphs() []*graph.Graph {
	return []*graph.Graph{
		probe.Graph(),
	}
}
