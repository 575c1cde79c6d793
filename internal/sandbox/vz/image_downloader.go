package vz

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

// Boot artifacts carried by the VM image. Either may ship xz-compressed
// (same name plus a .xz suffix); they are stored decompressed.
const (
	kernelArtifact = "vmlinuz"
	rootfsArtifact = "octobot-rootfs.squashfs"
)

// DownloadState is the phase the boot artifact download is in.
type DownloadState int

const (
	DownloadStateNotStarted DownloadState = iota
	DownloadStateDownloading
	DownloadStateExtracting
	DownloadStateReady
	DownloadStateFailed
)

func (s DownloadState) String() string {
	switch s {
	case DownloadStateNotStarted:
		return "not_started"
	case DownloadStateDownloading:
		return "downloading"
	case DownloadStateExtracting:
		return "extracting"
	case DownloadStateReady:
		return "ready"
	case DownloadStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DownloadConfig configures where the VM image comes from and where the
// extracted artifacts land.
type DownloadConfig struct {
	ImageRef string // OCI reference, e.g. "ghcr.io/anthropics/octobot-vm:latest"
	DataDir  string // artifacts are cached under {DataDir}/images
}

// DownloadProgress is a point-in-time snapshot of the download.
type DownloadProgress struct {
	State           DownloadState `json:"state"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	TotalBytes      int64         `json:"total_bytes"`
	CurrentLayer    string        `json:"current_layer,omitempty"`
	Error           string        `json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at,omitzero"`
}

// ImageDownloader pulls the VM boot image from a container registry and
// extracts the kernel and root filesystem into a digest-keyed cache
// directory. Subsequent starts for the same reference hit the cache.
type ImageDownloader struct {
	cfg DownloadConfig
	log *zap.SugaredLogger

	mu       sync.RWMutex
	progress DownloadProgress
	doneCh   chan struct{}

	// Populated once the state reaches ready.
	kernelPath   string
	baseDiskPath string
}

// NewImageDownloader creates a downloader. Call Start to begin.
func NewImageDownloader(cfg DownloadConfig, log *zap.SugaredLogger) *ImageDownloader {
	return &ImageDownloader{
		cfg:      cfg,
		log:      log,
		doneCh:   make(chan struct{}),
		progress: DownloadProgress{State: DownloadStateNotStarted},
	}
}

// Start downloads and extracts the boot artifacts, returning once they
// are in place. A populated cache short-circuits the registry entirely.
func (d *ImageDownloader) Start(ctx context.Context) error {
	defer close(d.doneCh)

	d.update(func(p *DownloadProgress) {
		p.State = DownloadStateDownloading
		p.StartedAt = time.Now()
	})

	if kernelPath, baseDiskPath, ok := d.cachedPaths(); ok {
		d.log.Infow("VM boot artifacts already cached", "kernel", kernelPath, "disk", baseDiskPath)
		d.finish(kernelPath, baseDiskPath)
		return nil
	}

	kernelPath, baseDiskPath, err := d.download(ctx)
	if err != nil {
		d.update(func(p *DownloadProgress) {
			p.State = DownloadStateFailed
			p.Error = err.Error()
		})
		return err
	}

	d.finish(kernelPath, baseDiskPath)
	return nil
}

func (d *ImageDownloader) finish(kernelPath, baseDiskPath string) {
	d.mu.Lock()
	d.kernelPath = kernelPath
	d.baseDiskPath = baseDiskPath
	d.progress.State = DownloadStateReady
	d.progress.CompletedAt = time.Now()
	d.mu.Unlock()
}

// Status returns a snapshot of the download progress.
func (d *ImageDownloader) Status() DownloadProgress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.progress
}

// Wait blocks until Start finishes or ctx is cancelled.
func (d *ImageDownloader) Wait(ctx context.Context) error {
	select {
	case <-d.doneCh:
		if p := d.Status(); p.State == DownloadStateFailed {
			return fmt.Errorf("boot artifact download failed: %s", p.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPaths returns the extracted kernel and base disk paths. ok is false
// until the download has completed successfully.
func (d *ImageDownloader) GetPaths() (kernelPath, baseDiskPath string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.progress.State != DownloadStateReady {
		return "", "", false
	}
	return d.kernelPath, d.baseDiskPath, true
}

// cacheDir is keyed by a digest of the image reference so switching
// references never serves stale artifacts.
func (d *ImageDownloader) cacheDir() string {
	sum := sha256.Sum256([]byte(d.cfg.ImageRef))
	return filepath.Join(d.cfg.DataDir, "images", fmt.Sprintf("sha256-%x", sum[:6]))
}

func (d *ImageDownloader) cachedPaths() (kernelPath, baseDiskPath string, ok bool) {
	dir := d.cacheDir()
	kernelPath = filepath.Join(dir, kernelArtifact)
	baseDiskPath = filepath.Join(dir, rootfsArtifact)

	kernelInfo, kernelErr := os.Stat(kernelPath)
	diskInfo, diskErr := os.Stat(baseDiskPath)
	if kernelErr != nil || diskErr != nil || kernelInfo.Size() == 0 || diskInfo.Size() == 0 {
		return "", "", false
	}
	return kernelPath, baseDiskPath, true
}

// download pulls the image and extracts the artifacts into the cache
// directory. Extraction happens in a sibling temp directory that is
// renamed into place only when both artifacts were found, so a killed
// download never leaves a half-written cache entry behind.
func (d *ImageDownloader) download(ctx context.Context) (kernelPath, baseDiskPath string, err error) {
	d.log.Infow("downloading VM boot image", "image", d.cfg.ImageRef)

	ref, err := name.ParseReference(d.cfg.ImageRef)
	if err != nil {
		return "", "", fmt.Errorf("invalid VM image reference %q: %w", d.cfg.ImageRef, err)
	}

	img, err := remote.Image(ref, remote.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("fetch VM image: %w", err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return "", "", fmt.Errorf("fetch VM image manifest: %w", err)
	}
	var totalBytes int64
	for _, layer := range manifest.Layers {
		totalBytes += layer.Size
	}
	d.update(func(p *DownloadProgress) { p.TotalBytes = totalBytes })

	layers, err := img.Layers()
	if err != nil {
		return "", "", fmt.Errorf("fetch VM image layers: %w", err)
	}

	cacheDir := d.cacheDir()
	tempDir := cacheDir + ".tmp"
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create extraction directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	d.update(func(p *DownloadProgress) { p.State = DownloadStateExtracting })

	var found artifactSet
	var bytesDownloaded int64
	for i, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			return "", "", fmt.Errorf("layer digest: %w", err)
		}
		d.update(func(p *DownloadProgress) { p.CurrentLayer = digest.String() })
		d.log.Infow("extracting VM image layer", "layer", i+1, "of", len(layers), "digest", digest.String())

		rc, err := layer.Uncompressed()
		if err != nil {
			return "", "", fmt.Errorf("open layer %s: %w", digest, err)
		}
		err = d.extractArtifacts(rc, tempDir, &found)
		rc.Close()
		if err != nil {
			return "", "", fmt.Errorf("extract layer %s: %w", digest, err)
		}

		if size, err := layer.Size(); err == nil {
			bytesDownloaded += size
			d.update(func(p *DownloadProgress) { p.BytesDownloaded = bytesDownloaded })
		}
	}

	if !found.kernel {
		return "", "", fmt.Errorf("VM image %s carries no %s", d.cfg.ImageRef, kernelArtifact)
	}
	if !found.rootfs {
		return "", "", fmt.Errorf("VM image %s carries no %s", d.cfg.ImageRef, rootfsArtifact)
	}

	meta, err := json.MarshalIndent(map[string]any{
		"image_ref":   d.cfg.ImageRef,
		"pulled_at":   time.Now().Format(time.RFC3339),
		"total_bytes": totalBytes,
	}, "", "  ")
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(tempDir, "manifest.json"), meta, 0o644); err != nil {
		return "", "", fmt.Errorf("write cache manifest: %w", err)
	}

	// Atomic publish: readers either see the whole cache entry or none.
	if err := os.Rename(tempDir, cacheDir); err != nil {
		return "", "", fmt.Errorf("finalize artifact cache: %w", err)
	}

	kernelPath = filepath.Join(cacheDir, kernelArtifact)
	baseDiskPath = filepath.Join(cacheDir, rootfsArtifact)
	d.log.Infow("VM boot artifacts extracted", "kernel", kernelPath, "disk", baseDiskPath)
	return kernelPath, baseDiskPath, nil
}

type artifactSet struct {
	kernel bool
	rootfs bool
}

// extractArtifacts scans one layer tar for boot artifacts. Compressed
// variants (.xz) are decompressed on the way out.
func (d *ImageDownloader) extractArtifacts(r io.Reader, destDir string, found *artifactSet) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		base := path.Base(header.Name)
		var dest string
		switch strings.TrimSuffix(base, ".xz") {
		case kernelArtifact:
			dest = kernelArtifact
		case rootfsArtifact:
			dest = rootfsArtifact
		default:
			continue
		}

		var src io.Reader = tr
		if strings.HasSuffix(base, ".xz") {
			xr, err := xz.NewReader(tr)
			if err != nil {
				return fmt.Errorf("open xz stream %s: %w", header.Name, err)
			}
			src = xr
		}

		if err := writeArtifact(src, filepath.Join(destDir, dest), header.Mode); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
		d.log.Infow("extracted boot artifact", "name", header.Name, "as", dest)

		switch dest {
		case kernelArtifact:
			found.kernel = true
		case rootfsArtifact:
			found.rootfs = true
		}
	}
}

func writeArtifact(r io.Reader, destPath string, mode int64) error {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (d *ImageDownloader) update(fn func(*DownloadProgress)) {
	d.mu.Lock()
	fn(&d.progress)
	d.mu.Unlock()
}
