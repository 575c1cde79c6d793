package vz

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestImageDownloaderCacheHit(t *testing.T) {
	dir := t.TempDir()

	d := NewImageDownloader(DownloadConfig{
		ImageRef: "ghcr.io/anthropics/octobot-vm:latest",
		DataDir:  dir,
	}, testLogger())

	// Pre-populate the cache entry; Start must not touch the registry.
	cacheDir := d.cacheDir()
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{kernelArtifact, rootfsArtifact} {
		if err := os.WriteFile(filepath.Join(cacheDir, name), []byte("stub"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start from cache: %v", err)
	}

	kernelPath, baseDiskPath, ok := d.GetPaths()
	if !ok {
		t.Fatal("GetPaths not ok after cache hit")
	}
	if kernelPath != filepath.Join(cacheDir, kernelArtifact) {
		t.Errorf("kernel path = %s", kernelPath)
	}
	if baseDiskPath != filepath.Join(cacheDir, rootfsArtifact) {
		t.Errorf("base disk path = %s", baseDiskPath)
	}
	if got := d.Status().State; got != DownloadStateReady {
		t.Errorf("state = %s, want ready", got)
	}
}

func TestImageDownloaderEmptyCacheArtifactsIgnored(t *testing.T) {
	dir := t.TempDir()

	d := NewImageDownloader(DownloadConfig{
		ImageRef: "invalid image ref !!!",
		DataDir:  dir,
	}, testLogger())

	// Zero-byte artifacts are a half-written cache entry; the downloader
	// must fall through to the registry, which fails here on the bad ref.
	cacheDir := d.cacheDir()
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{kernelArtifact, rootfsArtifact} {
		if err := os.WriteFile(filepath.Join(cacheDir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid image reference")
	}
	if got := d.Status().State; got != DownloadStateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestImageDownloaderCacheDirPerReference(t *testing.T) {
	dir := t.TempDir()

	a := NewImageDownloader(DownloadConfig{ImageRef: "ghcr.io/a/vm:1", DataDir: dir}, testLogger())
	b := NewImageDownloader(DownloadConfig{ImageRef: "ghcr.io/a/vm:2", DataDir: dir}, testLogger())
	a2 := NewImageDownloader(DownloadConfig{ImageRef: "ghcr.io/a/vm:1", DataDir: dir}, testLogger())

	if a.cacheDir() == b.cacheDir() {
		t.Error("different references share a cache dir")
	}
	if a.cacheDir() != a2.cacheDir() {
		t.Error("same reference produced different cache dirs")
	}
}

// TestImageDownloaderManual exercises a real registry pull:
//
//	VZ_MANUAL_TEST=1 go test -v ./internal/sandbox/vz -run TestImageDownloaderManual
//
// Override the image with VZ_TEST_IMAGE_REF.
func TestImageDownloaderManual(t *testing.T) {
	if os.Getenv("VZ_MANUAL_TEST") != "1" {
		t.Skip("set VZ_MANUAL_TEST=1 to run")
	}

	imageRef := os.Getenv("VZ_TEST_IMAGE_REF")
	if imageRef == "" {
		imageRef = "ghcr.io/anthropics/octobot-vm:latest"
	}
	dir := t.TempDir()

	d := NewImageDownloader(DownloadConfig{ImageRef: imageRef, DataDir: dir}, testLogger())

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p := d.Status()
				t.Logf("state=%s downloaded=%d total=%d", p.State, p.BytesDownloaded, p.TotalBytes)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	err := d.Start(ctx)
	close(done)
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	kernelPath, baseDiskPath, ok := d.GetPaths()
	if !ok {
		t.Fatal("GetPaths not ok after download")
	}
	for _, p := range []string{kernelPath, baseDiskPath} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", p)
		}
		t.Logf("%s: %.1f MB", p, float64(info.Size())/1024/1024)
	}

	// Second downloader must hit the cache without touching the registry.
	d2 := NewImageDownloader(DownloadConfig{ImageRef: imageRef, DataDir: dir}, testLogger())
	start := time.Now()
	if err := d2.Start(context.Background()); err != nil {
		t.Fatalf("cached start: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cache lookup took %v", elapsed)
	}
}
