// Package cmd implements the cascadefocus CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cascadefocus",
	Short: "cascadefocus is the conference-focus bridge selection and cascade core",
	Long: "cascadefocus tracks a fleet of media relay bridges, decides which bridge hosts\n" +
		"each joining participant, and wires multi-bridge conferences into a cascade\n" +
		"graph — the three subsystems of the conference-focus core, run standalone.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("cascadefocus")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(debugStateCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
