package volume

import (
	"context"
	"sync"
	"time"
)

// Prober checks whether the device behind a chunk still answers.
type Prober interface {
	Probe(ctx context.Context, device string) error
}

// HealthMonitor probes every member chunk of a volume on an interval and
// takes a chunk offline after enough consecutive failed probes.
type HealthMonitor struct {
	volume    *Volume
	prober    Prober
	interval  time.Duration
	threshold int

	mu       sync.Mutex
	failures map[string]int
}

func NewHealthMonitor(v *Volume, prober Prober) *HealthMonitor {
	interval := v.cfg.Health.Interval
	if interval <= 0 {
		interval = DefaultConfig().Health.Interval
	}

	threshold := v.cfg.Health.Failures
	if threshold <= 0 {
		threshold = DefaultConfig().Health.Failures
	}

	return &HealthMonitor{
		volume:    v,
		prober:    prober,
		interval:  interval,
		threshold: threshold,
		failures:  make(map[string]int),
	}
}

// Start probes the volume every interval until ctx is canceled.
func (h *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check probes each chunk that still serves I/O once.
func (h *HealthMonitor) Check(ctx context.Context) {
	for _, c := range h.volume.Chunks() {
		if !writable(c.Status) {
			continue
		}

		err := h.prober.Probe(ctx, c.Device)
		if err == nil {
			h.reset(c.Device)
			continue
		}

		failures := h.fail(c.Device)
		h.volume.log.Warnw("health", "event", "probe failed", "chunk", c.Index, "device", c.Device, "failures", failures, "error", err)

		if failures < h.threshold {
			continue
		}

		h.reset(c.Device)
		if err := h.volume.FailChunk(c.Index, c.Device); err != nil {
			h.volume.log.Errorw("health", "event", "failing chunk", "chunk", c.Index, "device", c.Device, "error", err)
		}
	}
}

func (h *HealthMonitor) fail(device string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures[device]++
	return h.failures[device]
}

func (h *HealthMonitor) reset(device string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.failures, device)
}
