package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EngineFactory builds an engine for one (user, provider) connection.
type EngineFactory func(ctx context.Context, userID string, provider ProviderName, onProgress ProgressFunc) (*Engine, error)

// Manager serializes sync runs per (user, provider) key and owns the
// background auto-sync loops. The engine itself does not defend against two
// concurrent runs for the same connection; the manager is that defense.
type Manager struct {
	factory EngineFactory

	mu      gosync.RWMutex
	running map[string]*runSlot
}

// runSlot identifies one sync run. The map holds the slot of the run that
// currently owns the key, so a run finishing late can never evict a newer
// run's entry.
type runSlot struct {
	cancel context.CancelFunc
}

// NewManager creates a sync manager.
func NewManager(factory EngineFactory) *Manager {
	return &Manager{
		factory: factory,
		running: make(map[string]*runSlot),
	}
}

func syncKey(userID string, provider ProviderName) string {
	return fmt.Sprintf("%s:%s", userID, provider)
}

// acquire claims the key for one run. Returns an error when a sync for the
// same connection is already in flight.
func (m *Manager) acquire(ctx context.Context, userID string, provider ProviderName) (context.Context, func(), error) {
	key := syncKey(userID, provider)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.running[key]; exists {
		return nil, nil, fmt.Errorf("sync already running for %s", key)
	}

	runCtx, cancel := context.WithCancel(ctx)
	slot := &runSlot{cancel: cancel}
	m.running[key] = slot

	release := func() {
		m.mu.Lock()
		if m.running[key] == slot {
			delete(m.running, key)
		}
		m.mu.Unlock()
		cancel()
	}
	return runCtx, release, nil
}

// RunInitialSync performs one initial sync, holding the connection's slot for
// the duration of the run.
func (m *Manager) RunInitialSync(ctx context.Context, userID string, provider ProviderName, windowDays int, onProgress ProgressFunc) (Result, error) {
	runCtx, release, err := m.acquire(ctx, userID, provider)
	if err != nil {
		return Result{}, err
	}
	defer release()

	engine, err := m.factory(runCtx, userID, provider, onProgress)
	if err != nil {
		return Result{}, fmt.Errorf("create engine: %w", err)
	}

	return engine.PerformInitialSync(runCtx, windowDays), nil
}

// RunIncrementalSync performs one incremental sync, holding the connection's
// slot for the duration of the run.
func (m *Manager) RunIncrementalSync(ctx context.Context, userID string, provider ProviderName, onProgress ProgressFunc) (Result, error) {
	runCtx, release, err := m.acquire(ctx, userID, provider)
	if err != nil {
		return Result{}, err
	}
	defer release()

	engine, err := m.factory(runCtx, userID, provider, onProgress)
	if err != nil {
		return Result{}, fmt.Errorf("create engine: %w", err)
	}

	return engine.PerformIncrementalSync(runCtx), nil
}

// StartAutoSync launches a background loop that runs incremental syncs on a
// fixed interval until stopped. The key is held for the life of the loop.
func (m *Manager) StartAutoSync(ctx context.Context, userID string, provider ProviderName, interval time.Duration) error {
	runCtx, release, err := m.acquire(ctx, userID, provider)
	if err != nil {
		return err
	}

	engine, err := m.factory(runCtx, userID, provider, nil)
	if err != nil {
		release()
		return fmt.Errorf("create engine: %w", err)
	}

	go func() {
		defer release()
		logrus.Infof("auto-sync start: %s", syncKey(userID, provider))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				logrus.Infof("auto-sync stop: %s", syncKey(userID, provider))
				return
			case <-ticker.C:
				res := engine.PerformIncrementalSync(runCtx)
				if !res.Success {
					logrus.WithField("errors", res.Errors).Warnf("auto-sync run failed: %s", syncKey(userID, provider))
				} else if res.EmailsSynced > 0 {
					logrus.Infof("auto-sync %s: %d new messages", syncKey(userID, provider), res.EmailsSynced)
				}
			}
		}
	}()

	return nil
}

// StopSync cancels a running sync or auto-sync loop for a connection.
func (m *Manager) StopSync(userID string, provider ProviderName) error {
	key := syncKey(userID, provider)

	m.mu.Lock()
	defer m.mu.Unlock()

	slot, exists := m.running[key]
	if !exists {
		return fmt.Errorf("no sync running for %s", key)
	}

	slot.cancel()
	delete(m.running, key)
	return nil
}

// IsRunning checks whether a sync is in flight for a connection.
func (m *Manager) IsRunning(userID string, provider ProviderName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.running[syncKey(userID, provider)]
	return exists
}

// StopAll cancels every running sync.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, slot := range m.running {
		logrus.Infof("stopping sync for %s", key)
		slot.cancel()
	}
	m.running = make(map[string]*runSlot)
}

// RunningSyncs returns the keys of currently running syncs.
func (m *Manager) RunningSyncs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.running {
		keys = append(keys, key)
	}
	return keys
}
