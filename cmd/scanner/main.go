package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/olegiv/weblog-scanner/internal/config"
)

// Version information - injected at build time via ldflags
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cli := &config.CLIOptions{}

	root := &cobra.Command{
		Use:          "weblog-scanner",
		Short:        "AI-assisted security triage for web server logs",
		Long:         "Scans web server logs with an AI provider. Without a subcommand it behaves like \"run\".",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanner(cli)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cli.EnvFile, "env-file", "", "dotenv file to load (default ./.env if present)")
	flags.StringVar(&cli.Provider, "provider", "", "AI provider: gemini, openrouter or anthropic")
	flags.StringVar(&cli.StreamsConfig, "streams", "", "path to streams.yaml")
	flags.StringVar(&cli.ReportPath, "report", "", "output HTML report path")
	flags.IntVar(&cli.IntervalSeconds, "interval", 0, "scan interval in seconds")
	flags.StringVar(&cli.ListenAddr, "listen", "", "HTTP listen address for the report and API")

	root.AddCommand(
		newRunCmd(cli),
		newOnceCmd(cli),
		newRenderCmd(cli),
		newCheckCmd(cli),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "weblog-scanner %s\n", version)
			if gitCommit != "unknown" {
				_, _ = fmt.Fprintf(out, "  commit: %s\n", gitCommit)
			}
			if buildTime != "unknown" {
				_, _ = fmt.Fprintf(out, "  built:  %s\n", buildTime)
			}
		},
	}
}
