package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, s Store, url string) string {
	t.Helper()
	rc, err := s.Open(context.Background(), url)
	if err != nil {
		t.Fatalf("Open(%s): %v", url, err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	return string(b)
}

func TestLocalPutOpen(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir(), "http://cdn.test/media/")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	url, err := s.Put(ctx, ChunkKey("job1", "en", "c1", 3), strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "http://cdn.test/media/jobs/job1/en/c1/chunk_0003.mp3" {
		t.Fatalf("unexpected url %s", url)
	}
	if !s.Exists(ctx, url) {
		t.Fatalf("expected %s to exist", url)
	}
	if got := readAll(t, s, url); got != "abc" {
		t.Fatalf("content = %q", got)
	}

	if _, err := s.Open(ctx, "http://cdn.test/media/jobs/none.mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Exists(ctx, "http://other.test/x.mp3") {
		t.Fatalf("foreign url should not exist")
	}
}

func TestCleanKeyRejectsTraversal(t *testing.T) {
	got, err := cleanKey("../../etc/passwd")
	if err != nil {
		t.Fatalf("cleanKey: %v", err)
	}
	if got != "etc/passwd" {
		t.Fatalf("traversal should be rooted, got %q", got)
	}
	if _, err := cleanKey("  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestConcatStitcher(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("mem://a")
	var urls []string
	for i, part := range []string{"one-", "two-", "three"} {
		u, err := s.Put(ctx, ChunkKey("j", "es", "c1", i), strings.NewReader(part))
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		urls = append(urls, u)
	}

	final, err := NewStitcher("").Stitch(ctx, s, urls, FinalKey("j", "es", "c1"))
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if got := readAll(t, s, final); got != "one-two-three" {
		t.Fatalf("stitched = %q", got)
	}

	if _, err := (ConcatStitcher{}).Stitch(ctx, s, nil, "x"); err == nil {
		t.Fatalf("expected error for empty chunk list")
	}
}

func TestFFmpegStitcherSingleChunkSkipsBinary(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("mem://a")
	u, _ := s.Put(ctx, "c0.mp3", strings.NewReader("solo"))
	final, err := FFmpegStitcher{Binary: "/nonexistent/ffmpeg"}.Stitch(ctx, s, []string{u}, "final.mp3")
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if got := readAll(t, s, final); got != "solo" {
		t.Fatalf("stitched = %q", got)
	}
}
