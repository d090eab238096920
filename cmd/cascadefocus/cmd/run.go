package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebas/cascadefocus/internal/app"
	"github.com/sebas/cascadefocus/internal/config"
	"github.com/sebas/cascadefocus/internal/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the conference-focus core until interrupted",
	RunE:  runRun,
}

func runRun(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger.Init(os.Stderr)
	logger.SetLevel(cfg.LogLevel)

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer a.Close()

	<-ctx.Done()
	return nil
}
