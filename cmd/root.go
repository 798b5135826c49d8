// Package cmd wires the bridge's Cobra CLI, grounded on the teacher's
// cmd/root.go (persistent --config/--verbose flags, a Run-hooked root
// command, a version subcommand).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
// "-X github.com/nextlevelbuilder/rho-telegram-bridge/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "rho-telegram-bridge",
	Short: "rho-telegram-bridge — a single-tenant Telegram-to-agent bridge",
	Long:  "A worker process that bridges a single Telegram bot to a coding-agent subprocess over a line-delimited JSON RPC protocol, with crash-safe file-backed queues and a lease-guarded single-leader supervisor loop.",
	Run: func(cmd *cobra.Command, args []string) {
		runBridge()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $RHO_TELEGRAM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(runCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rho-telegram-bridge %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("RHO_TELEGRAM_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
