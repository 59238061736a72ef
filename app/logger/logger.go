package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"audio-forge/app/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogDir = "data/logs"

// Logger 包装 zap.Logger，文件模式下按天切换日志文件
type Logger struct {
	*zap.Logger
	sugar  *zap.SugaredLogger
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func newEncoder(format string, color bool) zapcore.Encoder {
	ec := encoderConfig()
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	if color {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewConsoleEncoder(ec)
}

func dailyFile(dir string, day time.Time) string {
	return filepath.Join(dir, "audio-forge-"+day.Format("2006-01-02")+".log")
}

// New 根据配置创建日志记录器
func New(cfg config.LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	if cfg.Output != "file" {
		core := zapcore.NewCore(newEncoder(cfg.Format, true), zapcore.Lock(os.Stdout), level)
		return wrap(zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)))
	}

	dir := cfg.Dir
	if dir == "" {
		dir = defaultLogDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic("创建日志目录失败: " + err.Error())
	}

	rotator := &lumberjack.Logger{
		Filename:   dailyFile(dir, time.Now()),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(cfg.Format, false), zapcore.AddSync(rotator), level),
	}
	// debug 级别额外输出到控制台
	if level == zapcore.DebugLevel {
		cores = append(cores, zapcore.NewCore(newEncoder("text", true), zapcore.Lock(os.Stdout), level))
	}

	l := wrap(zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)))
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg = &sync.WaitGroup{}
	l.wg.Add(1)
	go l.rotateDaily(ctx, rotator, dir)
	return l
}

func wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z, sugar: z.Sugar()}
}

// rotateDaily 跨过零点后切换到新日期的文件
func (l *Logger) rotateDaily(ctx context.Context, rotator *lumberjack.Logger, dir string) {
	defer l.wg.Done()

	for {
		now := time.Now()
		y, m, d := now.AddDate(0, 0, 1).Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

		timer := time.NewTimer(midnight.Sub(now) + time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			rotator.Filename = dailyFile(dir, midnight)
			_ = rotator.Close()
		}
	}
}

// Close 停止后台切换并刷新缓冲
func (l *Logger) Close() error {
	if l.cancel != nil {
		l.cancel()
		l.wg.Wait()
	}
	return l.Sync()
}

// NewNop 丢弃所有输出，测试使用
func NewNop() *Logger {
	return wrap(zap.NewNop())
}

// Named 返回带组件名的子记录器
func (l *Logger) Named(component string) *Logger {
	return wrap(l.Logger.Named(component))
}

// With 返回附带固定字段的子记录器
func (l *Logger) With(fields ...zap.Field) *Logger {
	return wrap(l.Logger.With(fields...))
}

// ForJob 附带任务和语言字段，lang 为空时只附带任务 ID
func (l *Logger) ForJob(jobID, lang string) *Logger {
	if lang == "" {
		return l.With(zap.String("job_id", jobID))
	}
	return l.With(zap.String("job_id", jobID), zap.String("language", lang))
}

func (l *Logger) Debugf(template string, args ...any) { l.sugar.Debugf(template, args...) }
func (l *Logger) Infof(template string, args ...any)  { l.sugar.Infof(template, args...) }
func (l *Logger) Warnf(template string, args ...any)  { l.sugar.Warnf(template, args...) }
func (l *Logger) Errorf(template string, args ...any) { l.sugar.Errorf(template, args...) }
func (l *Logger) Fatalf(template string, args ...any) { l.sugar.Fatalf(template, args...) }
