package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher uploads finished local files to a Backend, retrying transient
// failures with exponential backoff.
type Publisher struct {
	backend Backend
	prefix  string
	metrics *metrics.Collector
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// PublisherConfig holds the upload target and retry settings.
type PublisherConfig struct {
	Prefix        string
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultPublisherConfig returns the retry settings used by the batch command.
func DefaultPublisherConfig(prefix string) *PublisherConfig {
	return &PublisherConfig{
		Prefix:        prefix,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

// NewPublisher creates a publisher on top of backend.
func NewPublisher(backend Backend, cfg *PublisherConfig, m *metrics.Collector, logger zerolog.Logger) *Publisher {
	if cfg == nil {
		cfg = DefaultPublisherConfig("")
	}
	return &Publisher{
		backend:       backend,
		prefix:        cfg.Prefix,
		metrics:       m,
		logger:        logger.With().Str("component", "publisher").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// Key returns the object key used for a local file.
func (p *Publisher) Key(localPath string) string {
	return path.Join(p.prefix, filepath.Base(localPath))
}

// Publish uploads localPath under the publisher prefix and returns the key.
// The file is reopened on every attempt since a failed upload may have
// consumed part of it.
func (p *Publisher) Publish(ctx context.Context, localPath string) (string, error) {
	key := p.Key(localPath)
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		lastErr = p.upload(ctx, key, localPath, info.Size())
		if lastErr == nil {
			p.metrics.IncPublished(info.Size())
			p.logger.Info().
				Str("backend", p.backend.Type()).
				Str("key", key).
				Int64("size", info.Size()).
				Msg("Published file")
			return key, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		delay := p.retryDelay * time.Duration(1<<uint(attempt))
		if delay > p.retryMaxDelay {
			delay = p.retryMaxDelay
		}

		p.logger.Warn().
			Err(lastErr).
			Str("key", key).
			Int("attempt", attempt+1).
			Int("max_retries", p.maxRetries).
			Dur("retry_delay", delay).
			Msg("Upload failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.metrics.IncPublishFailures()
	return "", fmt.Errorf("upload of %s failed after %d retries: %w", localPath, p.maxRetries, lastErr)
}

func (p *Publisher) upload(ctx context.Context, key, localPath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	return p.backend.WriteReader(ctx, key, f, size)
}
