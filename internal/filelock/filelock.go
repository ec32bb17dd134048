// Package filelock provides advisory cross-process locks on lock files.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"
)

// Lock is a held exclusive lock on a file
type Lock struct {
	file *os.File
}

// Acquire blocks until an exclusive lock on path is held.
// The file and its parent directory are created if missing.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(file); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return &Lock{file: file}, nil
}

// Release drops the lock
func (l *Lock) Release() error {
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	return nil
}
