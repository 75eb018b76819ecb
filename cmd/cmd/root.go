package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pluriform/internal/config"
	"pluriform/internal/logger"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pluriform",
	Short: "Pluriform groups Dutch news articles into events and keeps the event graph healthy.",
	Long: `Pluriform is the event detection and maintenance engine of a Dutch-language
news aggregator. It decides for every enriched article whether it joins an
existing event or seeds a new one, and periodically recomputes centroids,
archives stale events and reconciles the vector index.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pluriform.yaml)")
}

// initConfig loads the configuration and applies the logging level. A broken
// configuration is fatal.
func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Logging.Level)
}
