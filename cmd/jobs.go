package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"audio-forge/app/config"
	"audio-forge/app/database"
	"audio-forge/app/logger"
	"audio-forge/app/server"

	"github.com/spf13/cobra"
)

var (
	repairPostIDs []string
	processJobID  string
)

// withPipeline 初始化数据库和处理流程后执行 fn
func withPipeline(fn func(ctx context.Context, p *server.Pipeline, log *logger.Logger) (any, error)) {
	cfg := config.Load()
	log := logger.New(cfg.Log)
	defer log.Close()

	db, err := database.Init(cfg, log)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	defer database.Close()

	pipeline, err := server.NewPipeline(cfg, db, log)
	if err != nil {
		log.Fatalf("服务初始化失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.PassTimeout+time.Minute)
	defer cancel()
	result, err := fn(ctx, pipeline, log)
	if err != nil {
		log.Fatalf("执行失败: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "释放卡住的语言并重新投递未完成的任务",
	Run: func(cmd *cobra.Command, args []string) {
		withPipeline(func(ctx context.Context, p *server.Pipeline, _ *logger.Logger) (any, error) {
			// 单次执行时在本进程内处理投递的任务，退出前等待队列清空
			p.Pool.Start()
			report, err := p.Sweeper.SweepOnce(ctx)
			if derr := p.Pool.Drain(ctx); derr != nil && err == nil {
				err = fmt.Errorf("等待任务处理结束失败: %w", derr)
			}
			return report, err
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "修复已完成任务与文章音频资源的关联",
	Run: func(cmd *cobra.Command, args []string) {
		withPipeline(func(ctx context.Context, p *server.Pipeline, _ *logger.Logger) (any, error) {
			return p.Reconciler.Repair(ctx, repairPostIDs)
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "同步执行一次指定任务的处理",
	Run: func(cmd *cobra.Command, args []string) {
		withPipeline(func(ctx context.Context, p *server.Pipeline, _ *logger.Logger) (any, error) {
			return p.Processor.ProcessJob(ctx, processJobID)
		})
	},
}

func init() {
	repairCmd.Flags().StringSliceVar(&repairPostIDs, "post", nil, "只修复指定文章，可重复")
	processCmd.Flags().StringVar(&processJobID, "job", "", "任务 ID")
	_ = processCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(sweepCmd, repairCmd, processCmd)
}
