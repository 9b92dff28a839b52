package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Conversational relay between chat surfaces and a language model",
	Long: `relay receives chat messages, debounces bursts, runs one model turn per
conversation at a time, streams a live draft reply and delivers the final
answer, or runs the skill the model asked for.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "config file path")
	rootCmd.AddCommand(serveCmd, parseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
