package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"predictapi/internal/infrastructure/database"
	"predictapi/internal/job"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "predictapi",
		Short:         "预测与注单服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "配置文件路径")

	root.AddCommand(
		newServeCmd(&configPath),
		newWorkerCmd(&configPath),
		newCleanupCmd(&configPath),
		newMigrateCmd(&configPath),
	)
	return root
}

// signalContext 收到 SIGINT / SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(configPath *string) *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务（默认同时运行发件箱投递和幂等键清理）",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			var worker *job.OutboxWorker
			if withWorker {
				if worker, err = a.outboxWorker(a.cfg.Outbox.UseLock); err != nil {
					return err
				}
			}

			breakers := a.breakerRegistry()
			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler: a.router(breakers),
			}

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				a.logger.Info("服务启动", zap.Int("port", a.cfg.Server.Port))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("服务启动失败: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-gctx.Done()
				a.logger.Info("正在关闭服务...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("服务关闭异常", zap.Error(err))
				}
				return nil
			})

			if worker != nil {
				g.Go(func() error {
					worker.Start(gctx)
					return nil
				})
			}

			cleanup := job.NewIdempotencyCleanupJob(a.idempotencyService(), a.cfg.Idempotency.CleanupInterval, a.logger)
			g.Go(func() error {
				cleanup.Start(gctx)
				return nil
			})

			err = g.Wait()
			a.logger.Info("服务已关闭")
			return err
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "同时运行发件箱投递")
	return cmd
}

func newWorkerCmd(configPath *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "单独运行发件箱投递",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			worker, err := a.outboxWorker(a.cfg.Outbox.UseLock && !once)
			if err != nil {
				return err
			}

			if once {
				var l blockingLocker
				if a.cfg.Outbox.UseLock {
					l = a.outboxLock()
				}
				res, err := drainOnce(ctx, worker, l, time.Second, 30)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d published=%d failed=%d skipped=%t\n",
					res.Fetched, res.Published, res.Failed, res.Skipped)
				return nil
			}

			worker.Start(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "只投递一批后退出")
	return cmd
}

func newCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "清理过期幂等键",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.idempotencyService().CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", n)
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建 / 更新数据表",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := database.Migrate(a.db); err != nil {
				return fmt.Errorf("数据表迁移失败: %w", err)
			}
			a.logger.Info("数据表迁移完成")
			return nil
		},
	}
}
