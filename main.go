package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jnesss/bpf-sandbox/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "bpf-sandbox",
	Short: "Launch a program and record what it does",
	Long: `bpf-sandbox launches a target program, attaches eBPF tracepoints to it and
its descendants, and records every file, network, process, memory and
privilege operation into an in-memory event graph. Suspicious operations are
flagged by built-in heuristics and Sigma rules, and each session is journaled
to SQLite.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./config.yaml or ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console or json)")
	rootCmd.PersistentFlags().String("journal", "", "session journal database path")

	bind(rootCmd, "logger.level", "log-level")
	bind(rootCmd, "logger.format", "log-format")
	bind(rootCmd, "journal.path", "journal")
}

// bind ties a persistent flag to a config key so flags override file and
// environment values.
func bind(cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		f = cmd.Flags().Lookup(flag)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flag, err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
