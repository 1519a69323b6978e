package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig controls size-based log rotation.
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxAgeDays int
	Compress   bool
}

// RotatingWriter appends to a log file and rotates it once it grows past
// the configured size. Safe for concurrent use.
type RotatingWriter struct {
	mu          sync.Mutex
	cfg         RotationConfig
	maxSize     int64
	currentFile *os.File
	currentSize int64
	compressWG  sync.WaitGroup
}

// NewRotatingWriter opens (or creates) cfg.Filename.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, size, err := openAppend(cfg.Filename)
	if err != nil {
		return nil, err
	}

	rw := &RotatingWriter{
		cfg:         cfg,
		maxSize:     int64(cfg.MaxSizeMB) * 1024 * 1024,
		currentFile: file,
		currentSize: size,
	}
	rw.cleanup()
	return rw, nil
}

func openAppend(name string) (*os.File, int64, error) {
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write writes p, rotating first when p would push the file past its limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return 0, os.ErrClosed
	}
	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.currentFile != nil {
		err = w.currentFile.Close()
		w.currentFile = nil
	}
	w.mu.Unlock()
	w.compressWG.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	rotatedName := fmt.Sprintf("%s.%s", w.cfg.Filename, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(w.cfg.Filename, rotatedName); err != nil {
		return err
	}

	if w.cfg.Compress {
		w.compressWG.Add(1)
		go func() {
			defer w.compressWG.Done()
			_ = compressFile(rotatedName)
		}()
	}

	file, size, err := openAppend(w.cfg.Filename)
	if err != nil {
		return err
	}
	w.currentFile = file
	w.currentSize = size
	return nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

// cleanup removes rotated files older than MaxAgeDays.
func (w *RotatingWriter) cleanup() {
	if w.cfg.MaxAgeDays <= 0 {
		return
	}

	files, err := filepath.Glob(w.cfg.Filename + ".*")
	if err != nil {
		return
	}
	sort.Strings(files)

	cutoff := time.Now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(file)
		if !strings.HasSuffix(file, ".gz") {
			_ = os.Remove(file + ".gz")
		}
	}
}
