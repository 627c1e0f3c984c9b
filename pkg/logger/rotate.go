package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotateConfig controls size based rotation of a log file.
type RotateConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (c RotateConfig) withDefaults() RotateConfig {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 7
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	return c
}

// rotatingFile is an io.WriteCloser that shifts path -> path.1 -> path.N
// once the size limit is reached and prunes backups older than MaxAgeDays.
type rotatingFile struct {
	mu   sync.Mutex
	cfg  RotateConfig
	file *os.File
	size int64
}

func newRotatingFile(cfg RotateConfig) (*rotatingFile, error) {
	if cfg.Path == "" {
		return nil, errors.New("rotating log path is required")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &rotatingFile{cfg: cfg}, nil
}

func (w *rotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.size+int64(len(p)) > int64(w.cfg.MaxSizeMB)*1024*1024 {
		w.rotateLocked()
	}
	if w.file == nil {
		if err := w.openLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingFile) openLocked() error {
	file, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.cfg.Path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file %s: %w", w.cfg.Path, err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingFile) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.cfg.Path, i)
}

func (w *rotatingFile) rotateLocked() {
	_ = w.file.Close()
	w.file = nil
	w.size = 0

	for i := w.cfg.MaxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(w.backup(i)); err == nil {
			_ = os.Rename(w.backup(i), w.backup(i+1))
		}
	}
	_ = os.Rename(w.cfg.Path, w.backup(1))

	cutoff := time.Now().Add(-time.Duration(w.cfg.MaxAgeDays) * 24 * time.Hour)
	for i := 1; i <= w.cfg.MaxBackups; i++ {
		if info, err := os.Stat(w.backup(i)); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backup(i))
		}
	}
}
