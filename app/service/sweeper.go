package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audio-forge/app/logger"
	"audio-forge/app/model"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepReport 一次扫描的统计
type SweepReport struct {
	Scanned    int `json:"scanned"`
	Released   int `json:"released"`
	Dispatched int `json:"dispatched"`
}

// Sweeper 定时回收卡死的语言并重新投递有待处理语言的任务
type Sweeper struct {
	store      *JobStore
	trigger    *Trigger
	reconciler *Reconciler
	staleAfter func() time.Duration
	log        *logger.Logger
	cron       *cron.Cron
	batch      int
	now        func() time.Time
}

func NewSweeper(store *JobStore, trigger *Trigger, reconciler *Reconciler, staleAfter func() time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		trigger:    trigger,
		reconciler: reconciler,
		staleAfter: staleAfter,
		log:        log.Named("sweeper"),
		batch:      500,
		now:        time.Now,
	}
}

// Start 按 cron 表达式启动扫描和修复
func (s *Sweeper) Start(schedule, repairSchedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.Error("定时扫描失败", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("无效的扫描计划 %q: %w", schedule, err)
	}
	if repairSchedule != "" && s.reconciler != nil {
		if _, err := c.AddFunc(repairSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := s.reconciler.Repair(ctx, nil); err != nil {
				s.log.Error("定时修复失败", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("无效的修复计划 %q: %w", repairSchedule, err)
		}
	}
	s.cron = c
	c.Start()
	s.log.Infof("定时扫描已启动: %s", schedule)
	return nil
}

// Stop 停止调度并等待正在运行的扫描结束
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("定时扫描已停止")
}

// SweepOnce 执行一次扫描
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	ids, err := s.store.FindActive(ctx, s.batch)
	if err != nil {
		return nil, err
	}
	report := &SweepReport{Scanned: len(ids)}
	window := s.staleAfter()

	for _, id := range ids {
		released := 0
		job, err := s.store.Update(ctx, id, func(j *model.AudioJob) error {
			released = 0
			if j.IsCancelled() {
				return ErrNoChange
			}
			now := s.now()
			for _, lang := range j.Languages {
				if st := j.LanguageStatuses[lang]; st != nil && ReleaseStale(st, now, window) {
					released++
				}
			}
			if released == 0 {
				return ErrNoChange
			}
			return nil
		})
		if err != nil {
			if !errors.Is(err, ErrJobNotFound) {
				s.log.Warn("回收任务失败", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		if released > 0 {
			report.Released += released
			s.log.Warn("回收超时的处理中语言", zap.String("job_id", id), zap.Int("count", released))
		}
		if job.IsCancelled() || len(job.PendingLanguages()) == 0 {
			continue
		}
		if ok, err := s.trigger.Fire(ctx, id); err == nil && ok {
			report.Dispatched++
		}
	}
	if report.Released > 0 || report.Dispatched > 0 {
		s.log.Info("扫描完成", zap.Int("scanned", report.Scanned), zap.Int("released", report.Released), zap.Int("dispatched", report.Dispatched))
	}
	return report, nil
}
