package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/olegiv/weblog-scanner/internal/config"
	"github.com/olegiv/weblog-scanner/internal/httpserver"
	"github.com/olegiv/weblog-scanner/internal/report"
)

func newRunCmd(cli *config.CLIOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Scan on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanner(cli)
		},
	}
}

// runScanner scans until SIGINT or SIGTERM. It backs both "run" and the
// bare root command.
func runScanner(cli *config.CLIOptions) error {
	cfg, err := config.LoadWithCLI(cli)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info().
		Str("provider", a.router.ProviderName()).
		Int("streams", a.registry.Len()).
		Msg("Starting Weblog AI Scanner")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scanner.Run(gctx)
	})
	if cfg.HTTPListenAddr != "" {
		srv := httpserver.NewServer(cfg.HTTPListenAddr, cfg.ReportHTMLPath, a.scanner, a.log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		a.log.Error().Err(err).Msg("Scanner stopped with error")
		return err
	}
	a.log.Info().Msg("Scanner shut down")
	return nil
}

func newOnceCmd(cli *config.CLIOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single scan cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithCLI(cli)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, scanErr := a.scanner.Scan(ctx)

			out := cmd.OutOrStdout()
			for _, res := range results {
				status := fmt.Sprintf("%d findings, max severity %s", len(res.Findings()), res.MaxSeverity())
				if !res.OK() {
					status = fmt.Sprintf("error (%s): %s", res.Failure.Kind, res.Failure.Message)
				}
				_, _ = fmt.Fprintf(out, "%-16s %s\n", res.LogType, status)
			}
			_, _ = fmt.Fprintf(out, "Report: %s\n", cfg.ReportHTMLPath)
			return scanErr
		},
	}
}

func newRenderCmd(cli *config.CLIOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Regenerate the HTML report from stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithCLI(cli)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			renderer := report.NewRenderer(cfg.ReportHTMLPath)
			if a.store == nil {
				if err := renderer.EnsureExists(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Database disabled; ensured an empty report exists.")
				return nil
			}

			runs, err := a.store.GetRecentRuns(cfg.ReportHistoryRuns)
			if err != nil {
				return fmt.Errorf("failed to load history: %w", err)
			}
			cycles := make([]report.Cycle, 0, len(runs))
			for _, run := range runs {
				cycles = append(cycles, report.Cycle{
					RunID:     run.ID,
					StartedAt: run.StartedAt,
					Provider:  run.Provider,
					Results:   run.Results,
				})
			}
			if err := renderer.Render(cycles); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rendered %d runs to %s\n", len(cycles), renderer.Path())
			return nil
		},
	}
}

func newCheckCmd(cli *config.CLIOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration without calling any provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithCLI(cli)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Provider: %s\n", cfg.AIProvider)
			if cfg.StreamsConfigPath != "" {
				_, _ = fmt.Fprintf(out, "Streams:  %s\n", cfg.StreamsConfigPath)
			}
			for _, s := range cfg.Streams {
				_, _ = fmt.Fprintf(out, "  %-16s %s (%d lines)\n", s.Name, s.Path, s.Lines)
			}
			_, _ = fmt.Fprintf(out, "Report:   %s\n", cfg.ReportHTMLPath)

			warnings := cfg.Warnings()
			for _, w := range warnings {
				_, _ = fmt.Fprintf(out, "WARNING: %s\n", w)
			}
			if len(warnings) > 0 {
				return fmt.Errorf("configuration has %d warning(s)", len(warnings))
			}
			_, _ = fmt.Fprintln(out, "Configuration OK")
			return nil
		},
	}
}
