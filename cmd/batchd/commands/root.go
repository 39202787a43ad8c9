package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "batchd",
	Short: "Adaptive HWGW batching daemon",
	Long: `batchd prepares a target resource, then repeatedly dispatches overlapping
four-stage batches (weaken, grow, weaken, hack) against a shared capacity
budget, tuning its extraction fraction from the observed yield ratio.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults apply when empty)")
	rootCmd.SetVersionTemplate("batchd {{.Version}}\n")
}
