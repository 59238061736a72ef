// Package storage 保存音频产物并生成对外访问地址。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("产物不存在")

// Store 音频产物存储，地址一经返回即长期有效
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Open(ctx context.Context, url string) (io.ReadCloser, error)
	Exists(ctx context.Context, url string) bool
}

// ChunkKey 第 index 个分片的存储路径。每次领取写入自己的目录，
// 已被取代的处理不会覆盖新结果
func ChunkKey(jobID, lang, claimID string, index int) string {
	return fmt.Sprintf("jobs/%s/%s/%s/chunk_%04d.mp3", jobID, lang, claimID, index)
}

// FinalKey 拼接后音频的存储路径
func FinalKey(jobID, lang, claimID string) string {
	return fmt.Sprintf("jobs/%s/%s/%s/final.mp3", jobID, lang, claimID)
}

func cleanKey(key string) (string, error) {
	key = path.Clean("/" + strings.TrimSpace(key))[1:]
	if key == "" || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("非法的存储路径: %q", key)
	}
	return key, nil
}

// Local 本地磁盘存储，由 HTTP 服务的静态路由对外提供
type Local struct {
	root    string
	baseURL string
}

func NewLocal(root, baseURL string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &Local{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root 存储根目录
func (l *Local) Root() string {
	return l.root
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}

	// 先写临时文件再改名，读者不会看到写了一半的文件
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("写入文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("保存文件失败: %w", err)
	}
	return l.baseURL + "/" + key, nil
}

func (l *Local) pathOf(url string) (string, error) {
	if !strings.HasPrefix(url, l.baseURL+"/") {
		return "", fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	key, err := cleanKey(strings.TrimPrefix(url, l.baseURL+"/"))
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func (l *Local) Open(_ context.Context, url string) (io.ReadCloser, error) {
	p, err := l.pathOf(url)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return f, err
}

func (l *Local) Exists(_ context.Context, url string) bool {
	p, err := l.pathOf(url)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Memory 内存存储，用于测试
type Memory struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string][]byte
}

func NewMemory(baseURL string) *Memory {
	return &Memory{baseURL: strings.TrimRight(baseURL, "/"), objects: map[string][]byte{}}
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	url := m.baseURL + "/" + key
	m.mu.Lock()
	m.objects[url] = data
	m.mu.Unlock()
	return url, nil
}

func (m *Memory) Open(_ context.Context, url string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[url]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(_ context.Context, url string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[url]
	return ok
}

// Len 已保存的对象数量
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
