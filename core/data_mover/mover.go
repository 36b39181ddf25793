package data_mover

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/hvac/core/storage_engine/common"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	internaltelemetry "github.com/sushant-115/hvac/internal/telemetry"
	"go.uber.org/zap"
)

var (
	ErrMigrationFailed = errors.New("migration failed")
	ErrMoverStopped    = errors.New("data mover stopped")
)

// Config controls where and how the Mover stages files.
type Config struct {
	// StagingBase is the directory under which every migration gets its own
	// freshly created subdirectory (BBPATH).
	StagingBase string
	// RateBytesPerSec throttles copies; 0 means unthrottled.
	RateBytesPerSec int64
	// Verify checksums every copy.
	Verify bool
	// MaxAttempts per path. Values below 1 mean a single attempt, i.e. a
	// failed path is dropped.
	MaxAttempts int
	// RetryBackoff is the delay before the second attempt; it doubles after
	// every further failure.
	RetryBackoff time.Duration
}

// Mover is the single background worker that copies closed files into the
// staging area and records the resulting redirections.
type Mover struct {
	config    Config
	queue     *Queue
	redirects *RedirectionTable
	logger    *zap.Logger
	metrics   *internaltelemetry.CacheMetrics

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewMover creates a Mover. metrics may be nil.
func NewMover(config Config, logger *zap.Logger, metrics *internaltelemetry.CacheMetrics) (*Mover, error) {
	if config.StagingBase == "" {
		return nil, fmt.Errorf("data mover: staging base path is required")
	}
	if err := os.MkdirAll(config.StagingBase, 0755); err != nil {
		return nil, fmt.Errorf("data mover: create staging base %s: %w", config.StagingBase, err)
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mover{
		config:    config,
		queue:     NewQueue(),
		redirects: NewRedirectionTable(),
		logger:    logger.Named("data_mover"),
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		stopChan:  make(chan struct{}),
	}, nil
}

// Redirects exposes the redirection table to the open path.
func (m *Mover) Redirects() *RedirectionTable { return m.redirects }

// Pending returns the number of paths waiting in the queue.
func (m *Mover) Pending() int { return m.queue.Len() }

// Start launches the worker goroutine.
func (m *Mover) Start() error {
	m.startOnce.Do(func() {
		m.logger.Info("Starting data mover", zap.String("stagingBase", m.config.StagingBase))
		m.wg.Add(1)
		go m.run()
	})
	return nil
}

// Stop aborts any in-flight copy and waits for the worker to exit. Paths
// still queued are dropped.
func (m *Mover) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.cancel()
	})
	m.wg.Wait()
	if n := m.queue.Len(); n > 0 {
		m.logger.Warn("Data mover stopped with queued paths", zap.Int("dropped", n))
	}
	m.logger.Info("Data mover stopped.")
	return nil
}

// EnqueueForMigration is called when a tracked file is closed. It returns
// false, and does nothing, when the path is already redirected.
func (m *Mover) EnqueueForMigration(path string) bool {
	if _, ok := m.redirects.Lookup(path); ok {
		return false
	}
	m.queue.Enqueue(path)
	return true
}

// Evict forgets the redirection of path and deletes its staged copy.
func (m *Mover) Evict(path string) error {
	staged, ok := m.redirects.remove(path)
	if !ok {
		return nil
	}
	if err := os.RemoveAll(filepath.Dir(staged)); err != nil {
		m.logger.Error("Failed to delete staged copy", zap.String("path", path), zap.String("staged", staged), zap.Error(err))
		return fmt.Errorf("evict staged copy of %s: %w", path, err)
	}
	m.logger.Info("Dropped staged copy", zap.String("path", path), zap.String("staged", staged))
	return nil
}

// HandleEviction applies the data side of a policy store eviction. A file
// that left the node-local tiers loses its staged copy; a demotion to
// CapacityTier keeps it.
func (m *Mover) HandleEviction(ev tiered_storage.Eviction) {
	if !ev.Removed && ev.To != tiered_storage.RemoteTier {
		return
	}
	if err := m.Evict(ev.Path); err != nil {
		m.logger.Warn("Eviction left a staged copy behind", zap.String("path", ev.Path), zap.Error(err))
	}
}

func (m *Mover) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case <-m.queue.Ready():
		}

		// Copy outside the queue lock so producers never wait on I/O.
		batch := m.queue.Drain()
		for _, path := range batch {
			select {
			case <-m.stopChan:
				return
			default:
			}
			if err := m.migrate(path); err != nil && !errors.Is(err, ErrMoverStopped) {
				m.logger.Error("Failed to migrate file, dropping it", zap.String("path", path), zap.Error(err))
			}
		}
	}
}

// migrate copies one path into a fresh staging directory and records the
// redirection on success.
func (m *Mover) migrate(path string) error {
	if _, ok := m.redirects.Lookup(path); ok {
		return nil
	}

	dir := filepath.Join(m.config.StagingBase, uuid.New().String())
	if err := os.Mkdir(dir, 0755); err != nil {
		m.metrics.Migrated("failed")
		return fmt.Errorf("%w: create staging dir for %s: %v", ErrMigrationFailed, path, err)
	}
	staged := filepath.Join(dir, filepath.Base(path))

	start := time.Now()
	res, err := m.copyWithRetry(path, staged)
	if err != nil {
		_ = os.RemoveAll(dir)
		if m.ctx.Err() != nil {
			return ErrMoverStopped
		}
		m.metrics.Migrated("failed")
		return fmt.Errorf("%w: copy %s to %s: %v", ErrMigrationFailed, path, staged, err)
	}

	m.redirects.record(path, staged)
	m.metrics.Migrated("ok")
	fields := []zap.Field{
		zap.String("path", path),
		zap.String("staged", staged),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("elapsed", time.Since(start)),
	}
	if res.Checksum != nil {
		fields = append(fields, zap.String("sha256", hex.EncodeToString(res.Checksum)))
	}
	m.logger.Info("Migrated file", fields...)
	return nil
}

func (m *Mover) copyWithRetry(src, dst string) (common.CopyResult, error) {
	opts := common.CopyOptions{RateBytesPerSec: m.config.RateBytesPerSec, Verify: m.config.Verify}
	backoff := m.config.RetryBackoff

	var lastErr error
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		res, err := common.CopyThrottled(m.ctx, src, dst, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == m.config.MaxAttempts || m.ctx.Err() != nil {
			break
		}
		m.logger.Warn("Copy attempt failed, retrying",
			zap.String("path", src),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-m.stopChan:
			timer.Stop()
			return common.CopyResult{}, lastErr
		case <-timer.C:
		}
		backoff *= 2
	}
	return common.CopyResult{}, lastErr
}
