package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/model"
)

// ResourceLimits defines resource limits for task execution
type ResourceLimits struct {
	MaxTasks int // Maximum concurrent tasks within one run
}

// ResourceManager tracks running tasks and samples host resources
type ResourceManager struct {
	logger  *zap.Logger
	limits  ResourceLimits
	mu      sync.RWMutex
	running map[string]time.Time
}

// NewResourceManager creates a new resource manager
func NewResourceManager(limits ResourceLimits, logger *zap.Logger) *ResourceManager {
	if limits.MaxTasks <= 0 {
		limits.MaxTasks = 1
	}
	return &ResourceManager{
		logger:  logger.Named("resource-manager"),
		limits:  limits,
		running: make(map[string]time.Time),
	}
}

// Limits returns the configured limits
func (rm *ResourceManager) Limits() ResourceLimits {
	return rm.limits
}

// Track registers a running task and returns the func that unregisters it
func (rm *ResourceManager) Track(key string) func() {
	rm.mu.Lock()
	rm.running[key] = time.Now()
	rm.mu.Unlock()

	return func() {
		rm.mu.Lock()
		delete(rm.running, key)
		rm.mu.Unlock()
	}
}

// Running returns the keys of the tasks currently running, sorted
func (rm *ResourceManager) Running() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	keys := make([]string, 0, len(rm.running))
	for k := range rm.running {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot collects host resource statistics. Collection errors are logged
// and leave the affected field at zero.
func (rm *ResourceManager) Snapshot(ctx context.Context) *model.ResourceStats {
	stats := &model.ResourceStats{
		CollectedAt: time.Now(),
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		rm.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		rm.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}

	rm.mu.RLock()
	stats.RunningTasks = len(rm.running)
	rm.mu.RUnlock()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("running_tasks", stats.RunningTasks))

	return stats
}
