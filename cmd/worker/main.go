// Command worker claims meeting-processing jobs from the shared job store
// and turns each recording into a speaker-attributed transcript and a
// summary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "worker",
		Short:         "会议处理 worker：转写、说话人对齐与摘要",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addGlobalFlags(rootCmd)

	run := newRunCmd()
	rootCmd.AddCommand(run)
	rootCmd.AddCommand(newOnceCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newDepsCmd())

	// 不带子命令时等同于 run
	rootCmd.RunE = run.RunE
	return rootCmd
}
