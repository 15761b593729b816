package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/model"
)

// ServeCmd runs every registered listener as a long-lived daemon: a
// thin cobra wrapper around the app object built once at startup.
type ServeCmd struct {
	logger *zap.Logger
}

func newServeCmd(logger *zap.Logger) *ServeCmd {
	return &ServeCmd{logger: logger}
}

func (s *ServeCmd) GetCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run sniffler's listeners as a long-lived daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			a, err := newApp(s.logger, dataDir)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				go a.metrics.ServeHTTP(metricsAddr, s.logger)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.autoStart(ctx)

			<-ctx.Done()
			s.logger.Info("shutting down, stopping listeners")
			for _, l := range a.manager.List() {
				if l.State == model.StateRunning {
					_ = a.manager.Stop(l.Port, 1000)
				}
			}
			a.persistAll()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on (empty disables)")
	return cmd
}

// autoStart starts every listener whose effective auto-start rule
// (global flag AND per-listener auto_start-or-was_running) evaluates true.
func (a *app) autoStart(ctx context.Context) {
	settings := a.manager.Settings()
	for _, l := range a.manager.List() {
		if !model.AutoStartEffective(settings.GlobalAutoStart, &l) {
			continue
		}
		if err := a.manager.Start(ctx, l.Port); err != nil {
			a.logger.Warn("auto-start failed", zap.Int("port", l.Port), zap.Error(err))
		}
	}
}
