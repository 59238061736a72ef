package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Stitcher 将分片音频按顺序拼接为一个文件
type Stitcher interface {
	Stitch(ctx context.Context, store Store, chunkURLs []string, key string) (string, error)
}

// ConcatStitcher 直接拼接 mp3 帧数据
type ConcatStitcher struct{}

func (ConcatStitcher) Stitch(ctx context.Context, store Store, chunkURLs []string, key string) (string, error) {
	if len(chunkURLs) == 0 {
		return "", fmt.Errorf("没有可拼接的分片")
	}
	var buf bytes.Buffer
	for i, u := range chunkURLs {
		if err := copyFrom(ctx, store, u, &buf); err != nil {
			return "", fmt.Errorf("读取分片 %d 失败: %w", i, err)
		}
	}
	return store.Put(ctx, key, &buf)
}

func copyFrom(ctx context.Context, store Store, url string, w io.Writer) error {
	rc, err := store.Open(ctx, url)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// FFmpegStitcher 使用 ffmpeg concat demuxer 无损拼接
type FFmpegStitcher struct {
	Binary string
}

func (f FFmpegStitcher) Stitch(ctx context.Context, store Store, chunkURLs []string, key string) (string, error) {
	if len(chunkURLs) <= 1 {
		return ConcatStitcher{}.Stitch(ctx, store, chunkURLs, key)
	}

	dir, err := os.MkdirTemp("", "stitch-*")
	if err != nil {
		return "", fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(dir)

	lines := make([]string, 0, len(chunkURLs))
	for i, u := range chunkURLs {
		p := filepath.Join(dir, fmt.Sprintf("%04d.mp3", i))
		out, err := os.Create(p)
		if err != nil {
			return "", err
		}
		err = copyFrom(ctx, store, u, out)
		out.Close()
		if err != nil {
			return "", fmt.Errorf("读取分片 %d 失败: %w", i, err)
		}
		lines = append(lines, fmt.Sprintf("file '%s'", strings.ReplaceAll(p, "'", "'\\''")))
	}

	listPath := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(listPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return "", fmt.Errorf("写入拼接列表失败: %w", err)
	}

	outPath := filepath.Join(dir, "out.mp3")
	cmd := exec.CommandContext(ctx, f.Binary, "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", "-y", outPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg 执行失败: %w\n%s", err, output)
	}

	result, err := os.Open(outPath)
	if err != nil {
		return "", err
	}
	defer result.Close()
	return store.Put(ctx, key, result)
}

// NewStitcher 配置了 ffmpeg 时使用 ffmpeg，否则直接拼接
func NewStitcher(ffmpegPath string) Stitcher {
	if ffmpegPath == "" {
		return ConcatStitcher{}
	}
	return FFmpegStitcher{Binary: ffmpegPath}
}
