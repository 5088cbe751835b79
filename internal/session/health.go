package session

import (
	"sync"
	"time"

	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/atlas-research/edge-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

const heartbeatRingSize = 256

// HealthTracker maintains the process-wide rolling ConnectionHealth window
// described in spec.md §3: uptime over the last hour, a bounded ring of
// recent heartbeat latencies, and a reconnect counter.
type HealthTracker struct {
	mu sync.Mutex

	windowStart    time.Time
	availTimeline  []availChange
	heartbeats     []int64
	heartbeatIdx   int
	heartbeatCount int
	reconnects     int
}

type availChange struct {
	at        time.Time
	available bool
}

// NewHealthTracker creates a tracker whose rolling window starts now.
func NewHealthTracker() *HealthTracker {
	now := time.Now()
	return &HealthTracker{
		windowStart:   now,
		availTimeline: []availChange{{at: now, available: true}},
		heartbeats:    make([]int64, heartbeatRingSize),
	}
}

// RecordAvailability records a connected/disconnected transition.
func (h *HealthTracker) RecordAvailability(available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.availTimeline = append(h.availTimeline, availChange{at: time.Now(), available: available})
	h.trimLocked()
}

// RecordHeartbeatLatency records one heartbeat round-trip latency.
func (h *HealthTracker) RecordHeartbeatLatency(ms int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats[h.heartbeatIdx] = ms
	h.heartbeatIdx = (h.heartbeatIdx + 1) % heartbeatRingSize
	if h.heartbeatCount < heartbeatRingSize {
		h.heartbeatCount++
	}
}

// RecordReconnectStarted increments the reconnect counter.
func (h *HealthTracker) RecordReconnectStarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnects++
}

func (h *HealthTracker) trimLocked() {
	cutoff := time.Now().Add(-time.Hour)
	i := 0
	for ; i < len(h.availTimeline)-1; i++ {
		if h.availTimeline[i+1].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		h.availTimeline = h.availTimeline[i:]
	}
}

// Snapshot computes the current ConnectionHealth, including the health
// score formula from spec.md §4.1:
//
//	0.5*uptimePercent + 0.3*max(0,100-heartbeatP95Ms/2) + 0.2*max(0,100-reconnectCount*20)
//
// clamped to [0,100].
func (h *HealthTracker) Snapshot() types.ConnectionHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimLocked()

	uptimePct := h.uptimePercentLocked()
	p95 := h.heartbeatP95Locked()

	uptimeTerm := 0.5 * uptimePct
	latencyTerm := 0.3 * utils.ClampFloat(100-float64(p95)/2, 0, 100)
	reconnectTerm := 0.2 * utils.ClampFloat(100-float64(h.reconnects)*20, 0, 100)

	score := utils.ClampFloat(uptimeTerm+latencyTerm+reconnectTerm, 0, 100)

	return types.ConnectionHealth{
		UptimePercent:  decimal.NewFromFloat(uptimePct),
		HeartbeatP95Ms: p95,
		ReconnectCount: h.reconnects,
		Score:          decimal.NewFromFloat(score),
	}
}

func (h *HealthTracker) uptimePercentLocked() float64 {
	now := time.Now()
	windowStart := now.Add(-time.Hour)
	if h.windowStart.After(windowStart) {
		windowStart = h.windowStart
	}
	total := now.Sub(windowStart)
	if total <= 0 {
		return 100
	}

	var upDuration time.Duration
	cursor := windowStart
	available := true
	for _, change := range h.availTimeline {
		if change.at.Before(windowStart) {
			available = change.available
			continue
		}
		if available {
			upDuration += change.at.Sub(cursor)
		}
		cursor = change.at
		available = change.available
	}
	if available {
		upDuration += now.Sub(cursor)
	}

	pct := upDuration.Seconds() / total.Seconds() * 100
	return utils.ClampFloat(pct, 0, 100)
}

func (h *HealthTracker) heartbeatP95Locked() int64 {
	if h.heartbeatCount == 0 {
		return 0
	}
	vals := make([]float64, h.heartbeatCount)
	for i := 0; i < h.heartbeatCount; i++ {
		vals[i] = float64(h.heartbeats[i])
	}
	return int64(utils.Percentile(vals, 95))
}
