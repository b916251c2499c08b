package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "fieldcall",
	Short: "Inspection call session runner",
	Long: `fieldcall runs investigator or supervisor call sessions for insurance
inspections against a signaling relay, and serves a status API for them.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fieldcall v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fieldcall.yaml or /etc/fieldcall/fieldcall.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
