package file

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vpbank/netwatch/pkg/netwatch/logger"
)

// RotateConfig controls size-based rotation of one journal file.
type RotateConfig struct {
	// FilePath is the active file (required). Parent directories are created.
	FilePath string

	// MaxBytes rotates the file before a write would exceed it. Zero disables
	// rotation.
	MaxBytes int64

	// MaxBackups is how many rotated files (.1 is newest) are kept. Zero
	// keeps all of them.
	MaxBackups int
}

// RotatingFile is an io.WriteCloser with size-based rotation:
//
//	events.jsonl   → events.jsonl.1
//	events.jsonl.1 → events.jsonl.2
//	...            → removed past MaxBackups
//
// It is safe for concurrent use.
type RotatingFile struct {
	mu     sync.Mutex
	cfg    RotateConfig
	file   *os.File
	size   int64
	logger *zerolog.Logger
}

// NewRotatingFile opens or creates cfg.FilePath in append mode.
func NewRotatingFile(cfg RotateConfig, log *zerolog.Logger) (*RotatingFile, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("transport/file: rotate: FilePath is required")
	}
	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transport/file: rotate: mkdir %s: %w", dir, err)
	}
	rf := &RotatingFile{cfg: cfg, logger: logger.OrNop(log)}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write appends p, rotating first when MaxBytes would be exceeded. A failed
// rotation keeps writing to the current file.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.cfg.MaxBytes > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.cfg.MaxBytes {
		if err := rf.rotate(); err != nil {
			rf.logger.Error().Err(err).Str("file", rf.cfg.FilePath).Msg("transport/file: rotate failed")
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the active file. Further writes fail with os.ErrClosed.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transport/file: rotate: open %s: %w", rf.cfg.FilePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("transport/file: rotate: stat %s: %w", rf.cfg.FilePath, err)
	}
	rf.file, rf.size = f, info.Size()
	return nil
}

func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		rf.logger.Warn().Err(err).Msg("transport/file: rotate: close")
	}
	rf.file = nil

	base := rf.cfg.FilePath
	top := rf.cfg.MaxBackups
	if top == 0 {
		top = rf.highestBackup()
	} else {
		_ = os.Remove(backupName(base, top))
	}
	for i := top; i >= 1; i-- {
		_ = os.Rename(backupName(base, i), backupName(base, i+1))
	}
	if err := os.Rename(base, backupName(base, 1)); err != nil && !os.IsNotExist(err) {
		rf.logger.Warn().Err(err).Msg("transport/file: rotate: rename")
	}
	if rf.cfg.MaxBackups > 0 {
		for i := rf.cfg.MaxBackups + 1; os.Remove(backupName(base, i)) == nil; i++ {
			rf.logger.Debug().Str("file", backupName(base, i)).Msg("transport/file: pruned backup")
		}
	}

	rf.logger.Info().Str("file", base).Msg("transport/file: rotated")
	return rf.open()
}

func (rf *RotatingFile) highestBackup() int {
	n := 0
	for {
		if _, err := os.Stat(backupName(rf.cfg.FilePath, n+1)); err != nil {
			return n
		}
		n++
	}
}

func backupName(base string, i int) string { return fmt.Sprintf("%s.%d", base, i) }
