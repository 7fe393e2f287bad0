package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var errPathEscapes = errors.New("path escapes publish directory")

// LocalBackend publishes into a directory of the local filesystem
// (a shared mount, a synced folder).
type LocalBackend struct {
	root   string
	logger zerolog.Logger
}

// NewLocalBackend creates root if needed.
func NewLocalBackend(root string, logger zerolog.Logger) (*LocalBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve publish directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create publish directory: %w", err)
	}
	return &LocalBackend{
		root:   abs,
		logger: logger.With().Str("component", "local-storage").Logger(),
	}, nil
}

// WriteReader copies reader to key, replacing any previous file atomically.
func (b *LocalBackend) WriteReader(ctx context.Context, key string, reader io.Reader, size int64) error {
	dst, err := b.resolve(key)
	if err != nil {
		return err
	}

	var written int64
	if err := WriteFileAtomic(dst, func(w io.Writer) error {
		written, err = io.Copy(w, reader)
		return err
	}); err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	level := zerolog.DebugLevel
	if size > 0 && written != size {
		level = zerolog.WarnLevel
	}
	b.logger.WithLevel(level).Str("key", key).Int64("size", written).Int64("expected", size).Msg("Published file")
	return nil
}

// Delete removes key. A missing file is not an error.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	dst, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	dst, err := b.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(dst)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
}

func (b *LocalBackend) Close() error { return nil }

// BasePath returns the absolute publish directory.
func (b *LocalBackend) BasePath() string { return b.root }

func (b *LocalBackend) Type() string { return "local" }

// resolve maps key to a path under root, rejecting keys that would
// land outside of it.
func (b *LocalBackend) resolve(key string) (string, error) {
	key = strings.ReplaceAll(key, "\x00", "")
	dst := filepath.Join(b.root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
	rel, err := filepath.Rel(b.root, dst)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q: %w", key, errPathEscapes)
	}
	return dst, nil
}
