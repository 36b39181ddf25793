package tiered_storage

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EvictionHandler performs the data side of an eviction, e.g. dropping a
// staged copy. It is called outside the store lock.
type EvictionHandler func(ev Eviction)

// SweeperConfig controls the background eviction loop.
type SweeperConfig struct {
	// Interval between sweeps. Defaults to 5s.
	Interval time.Duration
	// HighWatermark is the fraction of FastTier capacity a sweep drains down
	// to. Values outside (0,1] mean the hard capacity.
	HighWatermark float64
}

// Sweeper periodically evicts closed FastTier files while usage is above
// the configured watermark.
type Sweeper struct {
	store   *PolicyStore
	config  SweeperConfig
	handler EvictionHandler
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewSweeper creates a sweeper over store. handler may be nil.
func NewSweeper(store *PolicyStore, config SweeperConfig, handler EvictionHandler, logger *zap.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.HighWatermark <= 0 || config.HighWatermark > 1 {
		config.HighWatermark = 1
	}
	return &Sweeper{
		store:    store,
		config:   config,
		handler:  handler,
		logger:   logger.Named("eviction_sweeper"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Sweeper) Start() error {
	s.startOnce.Do(func() {
		s.logger.Info("Starting eviction sweeper",
			zap.Duration("interval", s.config.Interval),
			zap.Float64("highWatermark", s.config.HighWatermark))
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop gracefully shuts down the sweeper and waits for an in-progress sweep.
func (s *Sweeper) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("Eviction sweeper stopped.")
	return nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts until FastTier usage is at or below the watermark, or no
// victim is left. It returns the evictions it performed.
func (s *Sweeper) Sweep() []Eviction {
	limit := uint64(float64(s.store.Usage().FastCapacity) * s.config.HighWatermark)

	var done []Eviction
	for {
		ev, err := s.store.EvictAbove(limit)
		if err != nil {
			if errors.Is(err, ErrEvictionFailed) {
				s.logger.Debug("Fast tier over watermark but every file is open",
					zap.Uint64("limit", limit))
			} else {
				s.logger.Error("Eviction sweep failed", zap.Error(err))
			}
			break
		}
		if ev == nil {
			break
		}
		done = append(done, *ev)
		if s.handler != nil {
			s.handler(*ev)
		}
	}
	if len(done) > 0 {
		s.logger.Info("Eviction sweep finished", zap.Int("evicted", len(done)))
	}
	return done
}
