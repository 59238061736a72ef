package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"audio-forge/app/auth"
	"audio-forge/app/config"
	"audio-forge/app/logger"
)

// blockingRunner 在 release 关闭前阻塞处理
type blockingRunner struct {
	mu      sync.Mutex
	ran     []string
	started chan string
	release chan struct{}
}

func (r *blockingRunner) ProcessJob(ctx context.Context, jobID string) (*PassResult, error) {
	r.started <- jobID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.mu.Unlock()
	return &PassResult{JobID: jobID}, nil
}

// liveRunner 记录处理时上下文是否仍然有效
type liveRunner struct {
	mu   sync.Mutex
	live []string
	dead []string
}

func (r *liveRunner) ProcessJob(ctx context.Context, jobID string) (*PassResult, error) {
	time.Sleep(5 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		r.dead = append(r.dead, jobID)
	} else {
		r.live = append(r.live, jobID)
	}
	return &PassResult{JobID: jobID}, nil
}

func TestPoolDispatcherDrainProcessesQueuedJobs(t *testing.T) {
	runner := &liveRunner{}
	d := NewPoolDispatcher(runner, 2, 8, logger.NewNop())
	d.Start()

	ctx := context.Background()
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		if err := d.Dispatch(ctx, id); err != nil {
			t.Fatalf("投递 %s 失败: %v", id, err)
		}
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Drain(dctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.live) != 5 || len(runner.dead) != 0 {
		t.Fatalf("所有任务都应在有效上下文中处理: live=%v dead=%v", runner.live, runner.dead)
	}
}

func TestPoolDispatcherDrainHonoursDeadline(t *testing.T) {
	runner := &blockingRunner{started: make(chan string, 8), release: make(chan struct{})}
	d := NewPoolDispatcher(runner, 1, 4, logger.NewNop())
	d.Start()
	if err := d.Dispatch(context.Background(), "slow"); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPoolDispatcherDedupesQueuedJobs(t *testing.T) {
	runner := &blockingRunner{started: make(chan string, 8), release: make(chan struct{})}
	d := NewPoolDispatcher(runner, 1, 2, logger.NewNop())
	d.Start()

	ctx := context.Background()
	if err := d.Dispatch(ctx, "a"); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	// 等待 a 出队开始处理
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not start")
	}

	for _, id := range []string{"b", "b", "c"} {
		if err := d.Dispatch(ctx, id); err != nil {
			t.Fatalf("投递 %s 失败: %v", id, err)
		}
	}
	if err := d.Dispatch(ctx, "d"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("队列已满应返回 ErrQueueFull, got %v", err)
	}
	// 处理中的任务可以再次排队
	close(runner.release)
	deadline := time.After(5 * time.Second)
	for n := 0; n < 2; n++ {
		select {
		case <-runner.started:
		case <-deadline:
			t.Fatalf("queued jobs not processed")
		}
	}
	d.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if strings.Join(runner.ran, ",") != "a,b,c" {
		t.Fatalf("unexpected run order: %v", runner.ran)
	}
}

func TestTriggerDebounce(t *testing.T) {
	d := &recordingDispatcher{}
	trigger := NewTrigger(d, time.Minute, logger.NewNop())
	ctx := context.Background()

	for _, step := range []struct {
		id   string
		want bool
	}{{"job-1", true}, {"job-1", false}, {"job-2", true}} {
		ok, err := trigger.Fire(ctx, step.id)
		if err != nil || ok != step.want {
			t.Fatalf("Fire(%s) = %v, %v; want %v", step.id, ok, err, step.want)
		}
	}
	if got := d.Dispatched(); len(got) != 2 {
		t.Fatalf("合并窗口内重复触发应合并: %v", got)
	}
	_ = trigger.Force(ctx, "job-1")
	if got := d.Dispatched(); len(got) != 3 {
		t.Fatalf("Force 应忽略合并窗口: %v", got)
	}

	d.err = errors.New("down")
	if err := trigger.Force(ctx, "job-3"); err == nil {
		t.Fatalf("投递失败应返回错误")
	}
	d.err = nil
	// 失败的投递不进入合并窗口
	if ok, err := trigger.Fire(ctx, "job-3"); !ok || err != nil {
		t.Fatalf("expected dispatch after failure, got %v %v", ok, err)
	}
	if got := d.Dispatched(); len(got) != 4 || got[3] != "job-3" {
		t.Fatalf("unexpected dispatches: %v", got)
	}
}

func TestHTTPDispatcher(t *testing.T) {
	tokens := auth.NewJWTService(&config.Config{JWT: config.JWTConfig{Secret: "s", ExpireTime: 1, Issuer: "audio-forge"}})

	var gotPath, gotSubject string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := tokens.ValidateToken(token)
		if err != nil || !claims.IsService() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotSubject = claims.Subject
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, tokens, logger.NewNop())
	if err := d.Dispatch(context.Background(), "job-42"); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	if gotPath != "/api/internal/audio-jobs/job-42/process" || gotSubject != "dispatcher" {
		t.Fatalf("unexpected request: path=%s subject=%s", gotPath, gotSubject)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	if err := NewHTTPDispatcher(failing.URL, tokens, logger.NewNop()).Dispatch(context.Background(), "job-42"); err == nil {
		t.Fatalf("非 2xx 响应应返回错误")
	}
}
