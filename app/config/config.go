package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Translate  TranslateConfig  `mapstructure:"translate"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件模式的日志目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite 文件路径
}

// StorageConfig 音频产物存储
type StorageConfig struct {
	Root          string `mapstructure:"root"`            // 本地存储根目录
	PublicBaseURL string `mapstructure:"public_base_url"` // 对外访问前缀
	FFmpegPath    string `mapstructure:"ffmpeg_path"`     // 为空时使用字节拼接
}

type TTSConfig struct {
	OpenAI     OpenAITTSConfig     `mapstructure:"openai"`
	ElevenLabs ElevenLabsTTSConfig `mapstructure:"elevenlabs"`
	Timeout    time.Duration       `mapstructure:"timeout"` // 单个分片的请求超时
}

type OpenAITTSConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	Voice   string `mapstructure:"voice"`
}

type ElevenLabsTTSConfig struct {
	APIKey  string            `mapstructure:"api_key"`
	BaseURL string            `mapstructure:"base_url"`
	Model   string            `mapstructure:"model"`
	Voices  map[string]string `mapstructure:"voices"` // 语言 -> voice id
}

type TranslateConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

// PipelineConfig 处理流程参数，支持热更新
type PipelineConfig struct {
	ChunkLimit          int           `mapstructure:"chunk_limit"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	PassTimeout         time.Duration `mapstructure:"pass_timeout"`
	MaxRetries          uint          `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay"`
	LanguageConcurrency int           `mapstructure:"language_concurrency"`
}

type DispatcherConfig struct {
	Mode     string        `mapstructure:"mode"` // pool 或 http
	Workers  int           `mapstructure:"workers"`
	Queue    int           `mapstructure:"queue"`
	BaseURL  string        `mapstructure:"base_url"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type SweeperConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Schedule       string `mapstructure:"schedule"`
	RepairSchedule string `mapstructure:"repair_schedule"`
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	config, err := decode()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mu.Lock()
	current = config
	mu.Unlock()
	return config
}

func decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

// Watch 监听配置文件变化，仅在新配置通过验证时回调
func Watch(onChange func(old, new *Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode()
		if err != nil {
			log.Printf("配置文件 %s 变更被忽略: %v", e.Name, err)
			return
		}
		mu.Lock()
		prev := current
		current = next
		mu.Unlock()
		if onChange != nil {
			onChange(prev, next)
		}
	})
	viper.WatchConfig()
}

// Current 返回最近一次加载的配置
func Current() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.username", "")
	viper.SetDefault("server.password", "")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.dir", "data/logs")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "audio-forge")

	viper.SetDefault("database.path", "data/audio-forge.db")

	viper.SetDefault("storage.root", "data/audio")
	viper.SetDefault("storage.public_base_url", "http://localhost:5000/media")
	viper.SetDefault("storage.ffmpeg_path", "")

	viper.SetDefault("tts.timeout", 60*time.Second)
	// 密钥没有默认值，这里注册键名以便环境变量覆盖生效
	viper.SetDefault("tts.openai.api_key", "")
	viper.SetDefault("tts.openai.base_url", "")
	viper.SetDefault("tts.elevenlabs.api_key", "")
	viper.SetDefault("translate.api_key", "")
	viper.SetDefault("translate.base_url", "")
	viper.SetDefault("tts.openai.model", "tts-1")
	viper.SetDefault("tts.openai.voice", "alloy")
	viper.SetDefault("tts.elevenlabs.base_url", "https://api.elevenlabs.io/v1")
	viper.SetDefault("tts.elevenlabs.model", "eleven_multilingual_v2")
	viper.SetDefault("tts.elevenlabs.voices", map[string]string{
		"en": "21m00Tcm4TlvDq8ikWAM",
		"es": "pNInz6obpgDQGcFmaJgB",
		"hi": "AZnzlk1XvdvUeBnXmlld",
	})

	viper.SetDefault("translate.model", "gpt-4o-mini")
	viper.SetDefault("translate.temperature", 0.1)

	viper.SetDefault("pipeline.chunk_limit", 4000)
	viper.SetDefault("pipeline.stale_after", 10*time.Minute)
	viper.SetDefault("pipeline.pass_timeout", 30*time.Minute)
	viper.SetDefault("pipeline.max_retries", 4)
	viper.SetDefault("pipeline.retry_delay", time.Second)
	viper.SetDefault("pipeline.max_retry_delay", 30*time.Second)
	viper.SetDefault("pipeline.language_concurrency", 3)

	viper.SetDefault("dispatcher.mode", "pool")
	viper.SetDefault("dispatcher.workers", 2)
	viper.SetDefault("dispatcher.queue", 64)
	viper.SetDefault("dispatcher.debounce", 5*time.Second)
	viper.SetDefault("dispatcher.base_url", "")

	viper.SetDefault("sweeper.enabled", true)
	viper.SetDefault("sweeper.schedule", "@every 1m")
	viper.SetDefault("sweeper.repair_schedule", "@every 30m")
}

// ChunkWorstCase 单个分片在重试全部用尽时的最长耗时
func ChunkWorstCase(timeout time.Duration, p PipelineConfig) time.Duration {
	if timeout <= 0 {
		return 0
	}
	retries := time.Duration(p.MaxRetries)
	return (retries+1)*timeout + retries*p.MaxRetryDelay
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Pipeline.ChunkLimit <= 0 {
		return fmt.Errorf("pipeline.chunk_limit 必须大于 0")
	}
	// 两次心跳之间最多是一个分片的全部重试，过期窗口必须覆盖它
	if need := ChunkWorstCase(config.TTS.Timeout, config.Pipeline); config.Pipeline.StaleAfter < need {
		return fmt.Errorf("pipeline.stale_after (%s) 不能小于单个分片的最长耗时 %s", config.Pipeline.StaleAfter, need)
	}
	switch config.Dispatcher.Mode {
	case "pool":
	case "http":
		if config.Dispatcher.BaseURL == "" {
			return fmt.Errorf("dispatcher.mode=http 时必须设置 dispatcher.base_url")
		}
	default:
		return fmt.Errorf("未知的 dispatcher.mode: %s", config.Dispatcher.Mode)
	}
	return nil
}

// Default 返回仅包含默认值的配置，供测试和命令行工具使用
func Default() *Config {
	setDefaults()
	cfg, err := decode()
	if err != nil {
		panic(err)
	}
	return cfg
}
