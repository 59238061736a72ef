package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"audio-forge/app/config"
	"audio-forge/app/database"
	"audio-forge/app/logger"
	"audio-forge/app/model"
	"audio-forge/app/storage"
	"audio-forge/app/tts"

	"gorm.io/gorm"
)

// recordingDispatcher 记录投递的任务
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, jobID)
	return nil
}

func (d *recordingDispatcher) Dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

// prefixTranslator 在译文前加上语言代码
type prefixTranslator struct{}

func (prefixTranslator) Translate(_ context.Context, text string, target model.Language) (string, error) {
	return "[" + string(target) + "] " + text, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []string
}

func (n *recordingNotifier) Notify(_ context.Context, job *model.AudioJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job.ID)
	return nil
}

type harness struct {
	db         *gorm.DB
	store      *JobStore
	mock       *tts.Mock
	artifacts  *storage.Memory
	notifier   *recordingNotifier
	processor  *Processor
	reconciler *Reconciler
	dispatcher *recordingDispatcher
	trigger    *Trigger
	jobs       *JobService

	waitMu sync.Mutex
	waits  []time.Duration
}

func testPipeline() config.PipelineConfig {
	return config.PipelineConfig{
		ChunkLimit:          20,
		StaleAfter:          10 * time.Minute,
		MaxRetries:          2,
		RetryDelay:          time.Millisecond,
		MaxRetryDelay:       30 * time.Second,
		LanguageConcurrency: 2,
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取连接池失败: %v", err)
	}
	// sqlite 单连接，避免并发写入时的锁等待
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		db:         newTestDB(t),
		mock:       tts.NewMock("mock"),
		artifacts:  storage.NewMemory("https://cdn.test"),
		notifier:   &recordingNotifier{},
		dispatcher: &recordingDispatcher{},
	}
	h.store = NewJobStore(h.db, log)
	h.reconciler = NewReconciler(h.db, h.store, log)
	h.processor = NewProcessor(ProcessorDeps{
		Store:      h.store,
		Synth:      tts.NewRouter(h.mock, nil),
		Translator: prefixTranslator{},
		Artifacts:  h.artifacts,
		Linker:     h.reconciler,
		Notifier:   h.notifier,
	}, testPipeline(), log)
	h.processor.waitForTest = func(d time.Duration) <-chan time.Time {
		h.waitMu.Lock()
		h.waits = append(h.waits, d)
		h.waitMu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	h.trigger = NewTrigger(h.dispatcher, time.Minute, log)
	h.jobs = NewJobService(h.store, h.trigger, log)
	h.jobs.SetStaleWindow(h.processor.StaleAfter)
	return h
}

func (h *harness) submit(t *testing.T, in SubmitInput) *model.AudioJob {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	return job
}

func (h *harness) process(t *testing.T, id string) *PassResult {
	t.Helper()
	res, err := h.processor.ProcessJob(context.Background(), id)
	if err != nil {
		t.Fatalf("处理任务失败: %v", err)
	}
	return res
}

func (h *harness) get(t *testing.T, id string) *model.AudioJob {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	return job
}

func (h *harness) read(t *testing.T, url string) string {
	t.Helper()
	rc, err := h.artifacts.Open(context.Background(), url)
	if err != nil {
		t.Fatalf("读取产物失败: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("读取产物失败: %v", err)
	}
	return string(data)
}

func (h *harness) createPost(t *testing.T, id, title string) {
	t.Helper()
	if err := h.db.Create(&model.Post{ID: id, Title: title}).Error; err != nil {
		t.Fatalf("创建文章失败: %v", err)
	}
}

func strPtr(s string) *string { return &s }
