// ABOUTME: Application-level heartbeat monitor for one connection.
// ABOUTME: Counts consecutive missed intervals and fires a timeout callback at the limit.

package gateway

import (
	"log/slog"
	"sync"
	"time"
)

// heartbeatMonitor watches for client heartbeats on a fixed interval. A
// tick with no heartbeat since the last one is a miss; missLimit
// consecutive misses fire onTimeout once. recordBeat resets the count.
type heartbeatMonitor struct {
	interval  time.Duration
	missLimit int
	onTimeout func()
	logger    *slog.Logger

	mu       sync.Mutex
	lastBeat time.Time
	misses   int

	done     chan struct{}
	stopOnce sync.Once
}

func newHeartbeatMonitor(interval time.Duration, missLimit int, onTimeout func(), logger *slog.Logger) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval:  interval,
		missLimit: missLimit,
		onTimeout: onTimeout,
		logger:    logger,
		lastBeat:  time.Now(),
		done:      make(chan struct{}),
	}
}

// arm starts the watch goroutine. The first interval is measured from arm
// time, giving the client a full period to send its first heartbeat.
func (h *heartbeatMonitor) arm() {
	h.mu.Lock()
	h.lastBeat = time.Now()
	h.mu.Unlock()

	go h.watch()
}

func (h *heartbeatMonitor) watch() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			select {
			case <-h.done:
				return
			default:
			}
			if h.checkMiss(now) {
				h.onTimeout()
				return
			}
		}
	}
}

// checkMiss evaluates one tick and reports whether the miss limit was hit.
func (h *heartbeatMonitor) checkMiss(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if now.Sub(h.lastBeat) < h.interval {
		h.misses = 0
		return false
	}

	h.misses++
	if h.misses >= h.missLimit {
		return true
	}
	h.logger.Warn("missed heartbeat", "misses", h.misses, "limit", h.missLimit)
	return false
}

// recordBeat notes a heartbeat from the client.
func (h *heartbeatMonitor) recordBeat() {
	h.mu.Lock()
	h.lastBeat = time.Now()
	h.misses = 0
	h.mu.Unlock()
}

// stop halts the watcher. Safe to call more than once.
func (h *heartbeatMonitor) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
