// Command stackcam watches a metal stacking station through an overhead
// camera: it counts sheet placements into the batch ledger, saves one photo
// per counted sheet, and on request runs defect analysis over a session's
// captures with the heavier inspection models.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stackcam/config"
	"stackcam/logging"
)

var version = "0.4.0"

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "stackcam",
	Short: "Stacking station sheet counter and defect monitor",
	Long: `stackcam counts metal sheets as a crane stacks them, one ledger entry and
one capture image per placement, and verifies finished batches against their
target count. Captured sheets can be analyzed for surface defects afterwards
or on demand while counting runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		logging.Setup(logLevel)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(*cobra.Command, []string) {
		fmt.Println("stackcam " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (JSON), defaults apply when omitted")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")
	rootCmd.AddCommand(runCmd, analyzeCmd, sessionsCmd, calibrateCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
