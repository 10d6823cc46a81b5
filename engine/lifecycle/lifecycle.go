// Package lifecycle enforces TTL expiration and LRU capacity eviction over
// the memory store on a fixed schedule.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrygo/mnemos/metrics"
	"github.com/hrygo/mnemos/store"
)

// Config tunes the lifecycle policies.
type Config struct {
	// TTL per memory type. Zero means never expire.
	EpisodicTTL   time.Duration
	SemanticTTL   time.Duration
	ProceduralTTL time.Duration

	// Low importance memories expire faster: their TTL is scaled by
	// LowImportanceFactor when importance is below the threshold.
	LowImportanceThreshold float64
	LowImportanceFactor    float64

	// Capacity eviction.
	MaxMemories int
	EvictRatio  float64
	MinEvict    int

	// Cleanup schedule.
	Interval time.Duration
}

// DefaultConfig returns the standard policy: a week for episodes, a month
// for facts, procedures forever.
func DefaultConfig() Config {
	return Config{
		EpisodicTTL:            168 * time.Hour,
		SemanticTTL:            720 * time.Hour,
		ProceduralTTL:          0,
		LowImportanceThreshold: 0.2,
		LowImportanceFactor:    0.5,
		MaxMemories:            10000,
		EvictRatio:             0.1,
		MinEvict:               100,
		Interval:               time.Hour,
	}
}

// Result reports one cleanup run.
type Result struct {
	Expired       int                      `json:"expired"`
	ExpiredByType map[store.MemoryType]int `json:"expired_by_type"`
	Evicted       int                      `json:"evicted"`
	Total         int                      `json:"total"`
	Duration      time.Duration            `json:"duration"`
	RanAt         time.Time                `json:"ran_at"`
}

// Deleter removes a memory everywhere it lives: store, vector index, cache.
// The engine facade implements it so cleanup stays consistent with deletes
// issued by callers.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

const maxHistory = 100

// Manager runs scheduled cleanup with TTL and LRU policies.
type Manager struct {
	store   *store.Store
	deleter Deleter
	config  Config
	logger  *slog.Logger

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	history []Result
}

func New(st *store.Store, deleter Deleter, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Manager{
		store:   st,
		deleter: deleter,
		config:  config,
		logger:  logger,
	}
}

// Start launches the scheduled cleanup loop. It is a no-op when already
// running. The loop stops on Stop or when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.logger.InfoContext(ctx, "lifecycle manager started", "interval", m.config.Interval)
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the cleanup loop and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("lifecycle manager stopped")
}

// RunOnce executes one cleanup pass. Failures are logged and absorbed; a
// broken cleanup never takes the engine down with it.
func (m *Manager) RunOnce(ctx context.Context) Result {
	start := time.Now()
	result := Result{
		ExpiredByType: map[store.MemoryType]int{},
		RanAt:         start,
	}

	for _, memoryType := range []store.MemoryType{store.MemoryTypeEpisodic, store.MemoryTypeSemantic, store.MemoryTypeProcedural} {
		deleted := m.expireByType(ctx, memoryType)
		result.Expired += deleted
		result.ExpiredByType[memoryType] = deleted
	}

	result.Evicted = m.evictLRU(ctx)
	result.Total = result.Expired + result.Evicted
	result.Duration = time.Since(start)

	m.mu.Lock()
	m.history = append(m.history, result)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.mu.Unlock()

	metrics.ObserveLifecycle(result.Expired, result.Evicted)
	m.logger.InfoContext(ctx, "memory cleanup completed",
		"expired", result.Expired,
		"evicted", result.Evicted,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

// History returns recent cleanup results, newest last.
func (m *Manager) History() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result{}, m.history...)
}

func (m *Manager) ttlFor(memoryType store.MemoryType) time.Duration {
	switch memoryType {
	case store.MemoryTypeEpisodic:
		return m.config.EpisodicTTL
	case store.MemoryTypeSemantic:
		return m.config.SemanticTTL
	case store.MemoryTypeProcedural:
		return m.config.ProceduralTTL
	}
	return m.config.EpisodicTTL
}

// expireByType deletes memories whose TTL elapsed. Candidates are fetched
// with the shorter low-importance cutoff so both tiers are covered in one
// query, then filtered precisely.
func (m *Manager) expireByType(ctx context.Context, memoryType store.MemoryType) int {
	ttl := m.ttlFor(memoryType)
	if ttl <= 0 {
		return 0
	}

	now := time.Now()
	lowTTL := time.Duration(float64(ttl) * m.config.LowImportanceFactor)
	candidates, err := m.store.ListMemoriesOlderThan(ctx, memoryType, now.Add(-lowTTL))
	if err != nil {
		m.logger.WarnContext(ctx, "failed to list expired candidates",
			"memory_type", memoryType,
			"error", err,
		)
		return 0
	}

	deleted := 0
	for _, memory := range candidates {
		effectiveTTL := ttl
		if memory.Importance < m.config.LowImportanceThreshold {
			effectiveTTL = lowTTL
		}
		if !memory.CreatedAt.Before(now.Add(-effectiveTTL)) {
			continue
		}
		if err := m.deleter.Delete(ctx, memory.ID); err != nil {
			m.logger.WarnContext(ctx, "failed to delete expired memory", "id", memory.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted
}

// evictLRU removes the least used memories when over capacity.
func (m *Manager) evictLRU(ctx context.Context) int {
	if m.config.MaxMemories <= 0 {
		return 0
	}
	count, err := m.store.CountMemories(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to count memories", "error", err)
		return 0
	}
	if count <= m.config.MaxMemories {
		return 0
	}

	toDelete := count - m.config.MaxMemories
	if ratio := int(float64(count) * m.config.EvictRatio); ratio > toDelete {
		toDelete = ratio
	}
	if toDelete < m.config.MinEvict {
		toDelete = m.config.MinEvict
	}

	victims, err := m.store.ListLeastRecentlyUsed(ctx, toDelete)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to list eviction victims", "error", err)
		return 0
	}

	evicted := 0
	for _, memory := range victims {
		if err := m.deleter.Delete(ctx, memory.ID); err != nil {
			m.logger.WarnContext(ctx, "failed to evict memory", "id", memory.ID, "error", err)
			continue
		}
		evicted++
	}

	m.logger.InfoContext(ctx, "lru eviction completed", "evicted", evicted, "was", count)
	return evicted
}
