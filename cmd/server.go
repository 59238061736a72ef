package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"audio-forge/app/config"
	"audio-forge/app/database"
	"audio-forge/app/logger"
	"audio-forge/app/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var shutdownTimeout time.Duration

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 HTTP 服务、任务工作池和定时扫描",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		db, err := database.Init(cfg, log)
		if err != nil {
			return err
		}
		srv, err := server.New(cfg, db, log)
		if err != nil {
			return fmt.Errorf("服务初始化失败: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("服务异常退出: %w", err)
			}
			return nil
		case <-ctx.Done():
		}
		log.Info("收到退出信号，开始关闭", zap.Duration("timeout", shutdownTimeout))

		// 未写回的语言保持 processing，过期后由扫描接管
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error("关闭服务失败", zap.Error(err))
			return err
		}
		log.Info("服务已退出")
		return nil
	},
}

func init() {
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "等待进行中请求结束的最长时间")
	rootCmd.AddCommand(serverCmd)
}
