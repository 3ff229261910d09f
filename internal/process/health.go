package process

import (
	"log/slog"
	"sync"
	"time"
)

// HealthMonitor keeps a sliding-window ledger of encoder crashes and decides
// whether another restart is allowed. It never un-trips on its own: the count
// drops only through eviction of old entries or an explicit Reset.
type HealthMonitor struct {
	threshold int
	window    time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	crashes []time.Time
}

// NewHealthMonitor creates a monitor allowing up to threshold-1 crashes per
// rolling window.
func NewHealthMonitor(threshold int, window time.Duration, logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		threshold: threshold,
		window:    window,
		logger:    logger,
	}
}

// RecordCrash appends a crash at now and evicts entries that have left the
// window.
func (h *HealthMonitor) RecordCrash(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.crashes = append(h.crashes, now)
	h.evict(now)

	h.logger.Warn("Encoder crash recorded",
		"crashes", len(h.crashes), "threshold", h.threshold, "window", h.window)
}

// ShouldRestart reports whether a restart is allowed at now.
func (h *HealthMonitor) ShouldRestart(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.evict(now)
	return len(h.crashes) < h.threshold
}

// CrashCount returns the number of crashes still inside the window at now.
func (h *HealthMonitor) CrashCount(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.evict(now)
	return len(h.crashes)
}

// Reset clears the ledger. Called after a clean, coordinator-initiated stop.
func (h *HealthMonitor) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.crashes) > 0 {
		h.logger.Info("Health monitor reset", "cleared", len(h.crashes))
		h.crashes = h.crashes[:0]
	}
}

// evict drops entries at or before now-window. Entries exactly on the
// boundary are evicted; strictly newer ones are retained.
func (h *HealthMonitor) evict(now time.Time) {
	cutoff := now.Add(-h.window)
	kept := h.crashes[:0]
	for _, t := range h.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.crashes = kept
}
