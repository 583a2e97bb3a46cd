// Command qorchd runs a node of the quantum job orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/Abraxas-365/qorch/pkg/config"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qorchd",
		Short: "Multi-tenant quantum job orchestrator",
		Long: `
qorchd admits quantum jobs, queues them by priority and fairness, executes them
on the configured backends and recovers in-flight work after node failures.

Configuration is read from the environment at start-up.
`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		createServeCmd(),
		createWorkerCmd(),
		createRecoverCmd(),
		createMigrateCmd(),
		createTokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment. The logger configures itself from
// LOG_LEVEL and LOG_FORMAT; DEBUG=true lowers the level further.
func loadConfig() *config.Config {
	cfg := config.Load()
	if cfg.Node.Debug && logx.GetDefaultLogger().GetLevel() > logx.LevelDebug {
		logx.SetLevel(logx.LevelDebug)
	}
	return cfg
}
