package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const configEnv = "NT_CONFIG"

var globalFlags struct {
	config   string
	identity string
	persist  string
	httpPort int
}

var rootCmd = &cobra.Command{
	Use:   "ntcore",
	Short: "Replicated network tables node",
	Long: `
	ntcore runs one node of a networked key-value table: either the
	authoritative server or a client that mirrors it.
`,
	SilenceUsage: true,
}

func init() {
	defaultConfig := os.Getenv(configEnv)
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&globalFlags.config, "config", "c", defaultConfig, "path to YAML config (env "+configEnv+")")
	pf.StringVar(&globalFlags.identity, "identity", "", "identity sent to peers")
	pf.StringVar(&globalFlags.persist, "persist", "", "persistent values file")
	pf.IntVar(&globalFlags.httpPort, "http-port", 0, "serve the admin API on this port")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
