package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != "5000" {
		t.Fatalf("expected port 5000, got %q", cfg.Server.Port)
	}
	if cfg.Dispatcher.Mode != "pool" || cfg.Dispatcher.Debounce != 5*time.Second {
		t.Fatalf("unexpected dispatcher defaults: %+v", cfg.Dispatcher)
	}
	if need := ChunkWorstCase(cfg.TTS.Timeout, cfg.Pipeline); cfg.Pipeline.StaleAfter < need {
		t.Fatalf("默认过期窗口应覆盖单个分片的全部重试: %s < %s", cfg.Pipeline.StaleAfter, need)
	}
	if cfg.TTS.ElevenLabs.Voices["hi"] == "" {
		t.Fatalf("expected default voice for hi")
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"默认配置", func(*Config) {}, ""},
		{"缺少端口", func(c *Config) { c.Server.Port = "" }, "端口"},
		{"缺少密钥", func(c *Config) { c.JWT.Secret = "" }, "JWT"},
		{"分片上限", func(c *Config) { c.Pipeline.ChunkLimit = 0 }, "chunk_limit"},
		{"过期窗口过短", func(c *Config) { c.Pipeline.StaleAfter = c.TTS.Timeout }, "stale_after"},
		{"过期窗口不足以覆盖重试", func(c *Config) { c.Pipeline.StaleAfter = 2 * c.TTS.Timeout }, "stale_after"},
		{"过期窗口恰好覆盖重试", func(c *Config) {
			c.Pipeline.StaleAfter = ChunkWorstCase(c.TTS.Timeout, c.Pipeline)
		}, ""},
		{"http 缺少地址", func(c *Config) { c.Dispatcher.Mode = "http" }, "base_url"},
		{"http 模式", func(c *Config) {
			c.Dispatcher.Mode = "http"
			c.Dispatcher.BaseURL = "http://worker:5000"
		}, ""},
		{"未知模式", func(c *Config) { c.Dispatcher.Mode = "queue" }, "dispatcher.mode"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
