package storage

import (
	"context"
	"sync"
	"time"

	"github.com/outmoded/postmile-web/internal/log"
)

// CleanupManager periodically removes abandoned handshake state. A visitor
// who starts a third-party login and never returns leaves a record behind;
// anything older than maxAge can no longer complete.
type CleanupManager struct {
	store    Store
	interval time.Duration
	maxAge   time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a cleanup manager for the given store
func NewCleanupManager(store Store, interval, maxAge time.Duration) *CleanupManager {
	return &CleanupManager{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup loop
func (m *CleanupManager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the cleanup loop and waits for it to finish
func (m *CleanupManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

func (m *CleanupManager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

func (m *CleanupManager) cleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	removed, err := m.store.CleanupExpiredHandshakes(cleanupCtx, m.maxAge)
	if err != nil {
		log.LogErrorWithFields("storage", "Handshake cleanup failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if removed > 0 {
		log.LogDebugWithFields("storage", "Removed expired handshake state", map[string]any{
			"count": removed,
		})
	}
}
