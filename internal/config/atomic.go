package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const writeAttempts = 3

var (
	writeRetryDelay = 100 * time.Millisecond
	writeTemp       = writeTempFile
)

// WriteFileAtomic writes data to a sibling "<path>.tmp" and renames it over
// path. The temp write is retried before giving up; the target is never
// opened for writing, so a failed save leaves the previous contents intact.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		lastErr = writeTemp(tmpPath, data)
		if lastErr == nil {
			break
		}
		if attempt < writeAttempts {
			time.Sleep(writeRetryDelay)
		}
	}
	if lastErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file (%d attempts): %w", writeAttempts, lastErr)
	}
	if _, err := os.Stat(tmpPath); err != nil {
		return fmt.Errorf("verify temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeTempFile(tmpPath string, data []byte) error {
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	_, writeErr := file.Write(data)
	syncErr := file.Sync()
	closeErr := file.Close()
	if writeErr != nil {
		return fmt.Errorf("write temp file: %w", writeErr)
	}
	if syncErr != nil {
		return fmt.Errorf("sync temp file: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	return nil
}
