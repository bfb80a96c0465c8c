package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "deploy-orch",
		Short: "Deploy Orchestrator - install applications on remote machines",
		Long: `Deploy Orchestrator keeps an inventory of machines and applications and
installs applications on machines over SSH (unix) or WinRM (windows).
Runs execute in the background with a live log and a persisted transcript.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
