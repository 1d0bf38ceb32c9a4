package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/coalesce/pkg/config"
	"github.com/ajitpratap0/coalesce/pkg/logger"
)

var version = "0.1.0"

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "coalesce",
		Short: "Coalesce small Arrow record batches into larger ones",
		Long: `coalesce reads Arrow IPC streams, merges the small record batches they carry
into batches of a target row count, optionally stops after a row limit and
writes one output file per input partition.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML or JSON configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides the configuration")

	root.AddCommand(
		newRunCmd(flags),
		newGenerateCmd(flags),
		newExplainCmd(flags),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "coalesce v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads the configuration file, applies the global flag overrides
// and initializes the global logger. Logs go to stderr so that stdout only
// carries command output.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logCfg := cfg.LoggerConfig()
	logCfg.OutputPaths = []string{"stderr"}
	if err := logger.Init(logCfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
