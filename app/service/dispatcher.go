package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"audio-forge/app/auth"
	"audio-forge/app/logger"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"resty.dev/v3"
)

// Dispatcher 把任务交给处理器执行，调用方不等待处理完成。
// 至少执行一次：重复投递由处理器的领取逻辑吸收。
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// JobRunner 执行一次任务处理
type JobRunner interface {
	ProcessJob(ctx context.Context, jobID string) (*PassResult, error)
}

// PoolDispatcher 进程内的有界工作池
type PoolDispatcher struct {
	runner  JobRunner
	log     *logger.Logger
	workers int
	queue   chan string

	mu      sync.Mutex
	queued  map[string]bool
	running bool
	cancel  context.CancelFunc
	drain   chan struct{}
	wg      sync.WaitGroup
}

func NewPoolDispatcher(runner JobRunner, workers, queueSize int, log *logger.Logger) *PoolDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &PoolDispatcher{
		runner:  runner,
		log:     log.Named("dispatcher"),
		workers: workers,
		queue:   make(chan string, queueSize),
		queued:  map[string]bool{},
	}
}

// Start 启动工作协程
func (d *PoolDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.drain = make(chan struct{})
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.log.Infof("任务工作池已启动，并发数: %d", d.workers)
}

// Stop 停止接收新任务并等待正在执行的处理结束
func (d *PoolDispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("任务工作池已停止")
}

// Drain 处理完队列中已有的任务后停止。ctx 结束时放弃剩余任务，
// 取消正在执行的处理
func (d *PoolDispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.drain)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		d.log.Info("任务队列已处理完，工作池停止")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *PoolDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queued[jobID] {
		return nil
	}
	select {
	case d.queue <- jobID:
		d.queued[jobID] = true
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *PoolDispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-d.queue:
			d.run(ctx, n, jobID)
		case <-d.drain:
			select {
			case jobID := <-d.queue:
				d.run(ctx, n, jobID)
			default:
				return
			}
		}
	}
}

func (d *PoolDispatcher) run(ctx context.Context, n int, jobID string) {
	// 出队后允许再次投递，处理期间的新触发不会丢失
	d.mu.Lock()
	delete(d.queued, jobID)
	d.mu.Unlock()

	start := time.Now()
	res, err := d.runner.ProcessJob(ctx, jobID)
	if err != nil {
		d.log.Error("任务处理失败", zap.String("job_id", jobID), zap.Int("worker", n), zap.Error(err))
		return
	}
	d.log.Info("任务处理结束",
		zap.String("job_id", jobID),
		zap.String("status", string(res.Status)),
		zap.Any("languages", res.Languages),
		zap.Duration("elapsed", time.Since(start)))
}

// HTTPDispatcher 通过内部接口把任务交给其他实例处理
type HTTPDispatcher struct {
	client *resty.Client
	tokens *auth.JWTService
	log    *logger.Logger
}

func NewHTTPDispatcher(baseURL string, tokens *auth.JWTService, log *logger.Logger) *HTTPDispatcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	return &HTTPDispatcher{client: client, tokens: tokens, log: log.Named("http-dispatcher")}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, jobID string) error {
	token, err := d.tokens.GenerateServiceToken("dispatcher", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("生成服务令牌失败: %w", err)
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("id", jobID).
		Post("/api/internal/audio-jobs/{id}/process")
	if err != nil {
		return fmt.Errorf("投递任务失败: %w", err)
	}
	if resp.StatusCode() != http.StatusAccepted && resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("投递任务失败，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Trigger 在任务创建或变更后立即投递，失败只记录日志
type Trigger struct {
	dispatcher Dispatcher
	recent     *cache.Cache
	debounce   atomic.Int64
	log        *logger.Logger
}

func NewTrigger(d Dispatcher, debounce time.Duration, log *logger.Logger) *Trigger {
	t := &Trigger{
		dispatcher: d,
		recent:     cache.New(cache.NoExpiration, time.Minute),
		log:        log.Named("trigger"),
	}
	t.SetDebounce(debounce)
	return t
}

// SetDebounce 修改合并窗口，只影响之后的投递
func (t *Trigger) SetDebounce(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t.debounce.Store(int64(d))
}

// Fire 投递任务，短时间内重复的投递会被合并。dispatched 为 false
// 且没有错误时表示本次请求被合并
func (t *Trigger) Fire(ctx context.Context, jobID string) (dispatched bool, err error) {
	if _, found := t.recent.Get(jobID); found {
		return false, nil
	}
	if err := t.Force(ctx, jobID); err != nil {
		return false, err
	}
	return true, nil
}

// Force 忽略合并窗口立即投递
func (t *Trigger) Force(ctx context.Context, jobID string) error {
	if err := t.dispatcher.Dispatch(ctx, jobID); err != nil {
		t.log.Warn("投递任务失败，等待定时扫描重试", zap.String("job_id", jobID), zap.Error(err))
		return err
	}
	t.recent.Set(jobID, struct{}{}, time.Duration(t.debounce.Load()))
	return nil
}
