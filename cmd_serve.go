package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/cobra"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/logging"
	"github.com/anixart-desktop/mediahost/internal/server"
	"github.com/anixart-desktop/mediahost/internal/server/routes"
	"github.com/anixart-desktop/mediahost/internal/version"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the loopback media cache API",
		Long: `
The "serve" command opens the cache directory, starts the periodic index
reconciler and listens on ListenAddr until SIGINT or SIGTERM is received.
`,
		Args:              cobra.NoArgs,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *globalOptions) error {
	rt, err := buildRuntime(opts)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Service:   rt.service,
		AuthToken: cfg.Global.AuthToken,
	})
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("构建 HTTP 服务失败: %w", err)}
	}
	routes.RegisterDiagnostics(app, rt.service, rt.coordinator)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cache.RunReconciler(ctx, rt.store, cfg.Cache.ReconcileInterval.DurationValue(), logger)

	fields := logging.BaseFields("startup", cfg.Path)
	fields["listen_addr"] = cfg.Global.ListenAddr
	fields["storage_path"] = cfg.Cache.StoragePath
	fields["auth"] = cfg.AuthEnabled()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.Global.ListenAddr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return &exitError{code: 1, err: fmt.Errorf("HTTP 服务启动失败: %w", err)}
		}
		return nil
	case <-ctx.Done():
	}

	logger.WithFields(logging.BaseFields("shutdown", cfg.Path)).Info("收到退出信号，停止服务")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return &exitError{code: 1, err: fmt.Errorf("HTTP 服务关闭失败: %w", err)}
	}
	return nil
}
