package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// tempPrefix tags temporary files with the creating process so that
// concurrent runs sharing a directory never clean up each other's files.
var tempPrefix = ".jamsbatch-" + strconv.Itoa(os.Getpid()) + "-"

// CreateTemp creates a temporary file in dir owned by this process.
// The name ends with suffix.
func CreateTemp(dir, suffix string) (*os.File, error) {
	return os.CreateTemp(dir, tempPrefix+"*"+suffix)
}

// WriteFileAtomic writes path through fn into a temporary file in the same
// directory and renames it over path once fn and the flush succeed. On any
// error the temporary file is removed and path is left untouched.
func WriteFileAtomic(path string, fn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := CreateTemp(dir, ".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	bw := bufio.NewWriterSize(tmpFile, 1<<20)
	writeErr := fn(bw)
	if writeErr == nil {
		writeErr = bw.Flush()
	}
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return writeErr
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	// CreateTemp uses 0600; output files are meant to be shared
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// CleanupTemp removes the temporary files this process left in dir after
// an interrupted write and returns how many were removed.
func CleanupTemp(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, tempPrefix+"*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", m, err)
		}
		removed++
	}
	return removed, nil
}
