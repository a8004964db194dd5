package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	flagVerbose bool
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "csfsutil",
	Short: "Inspect and build checksum filesystem (CSFS) disk images",
	Long: `csfsutil is a command-line tool for creating, checking, and browsing
CSFS volumes stored in a flat disk-image file.`,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.SetEnvPrefix("csfsutil")
	viper.AutomaticEnv()

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		flagVerbose = flagVerbose || viper.GetBool("verbose")
		flagDebug = flagDebug || viper.GetBool("debug")
		log = newCLILogger(flagVerbose, flagDebug)
		return nil
	}

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
