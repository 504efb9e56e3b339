// Package guard provides connection admission control: a hard connection cap
// plus a system-memory safety valve sampled from gopsutil.
package guard

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Config controls admission limits.
type Config struct {
	MaxConnections int
	// MemoryFraction refuses new connections while system memory usage is
	// above this fraction. Zero disables the memory check.
	MemoryFraction float64
	// CheckEvery bounds how often the memory reading is refreshed.
	CheckEvery time.Duration
}

// Guard tracks active connections and answers admission questions.
type Guard struct {
	cfg    Config
	logger *zap.Logger

	active atomic.Int64

	mu          sync.Mutex
	lastCheck   time.Time
	lastUsedPct float64

	// usedPercent is swappable for tests.
	usedPercent func() (float64, error)
}

// New creates a guard.
func New(cfg Config, logger *zap.Logger) *Guard {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:    cfg,
		logger: logger,
		usedPercent: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent / 100, nil
		},
	}
}

// Admit reserves a connection slot. Callers must Release what they Admit.
func (g *Guard) Admit() bool {
	if g.cfg.MaxConnections > 0 && g.active.Load() >= int64(g.cfg.MaxConnections) {
		return false
	}
	if g.cfg.MemoryFraction > 0 && g.memoryPressure() >= g.cfg.MemoryFraction {
		g.logger.Warn("refusing connection under memory pressure",
			zap.Float64("used_fraction", g.lastUsedPct),
			zap.Float64("limit_fraction", g.cfg.MemoryFraction))
		return false
	}
	g.active.Add(1)
	return true
}

// Release frees a slot previously reserved by Admit.
func (g *Guard) Release() {
	g.active.Add(-1)
}

// Active returns the number of reserved slots.
func (g *Guard) Active() int64 {
	return g.active.Load()
}

func (g *Guard) memoryPressure() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.lastCheck) < g.cfg.CheckEvery {
		return g.lastUsedPct
	}
	g.lastCheck = time.Now()
	used, err := g.usedPercent()
	if err != nil {
		g.logger.Debug("memory sample failed", zap.Error(err))
		return g.lastUsedPct
	}
	g.lastUsedPct = used
	return used
}
