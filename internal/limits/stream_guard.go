package limits

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/Limit-LAB/limit-server/internal/metrics"
)

// Admission rejection reasons, also the metric label values.
const (
	RejectMaxStreams = "at_max_streams"
	RejectCPU        = "cpu_overload"
	RejectMemory     = "memory_limit"
)

// StreamGuard gates stream upgrades on a hard slot count and on sampled
// resource state. Slots are a plain semaphore; CPU and memory readings
// come from a background sampler so the admission check never blocks.
type StreamGuard struct {
	slots chan struct{}

	cpuThreshold float64
	memoryLimit  int64 // bytes, 0 disables the check

	currentCPU    atomic.Value // float64, percent
	currentMemory atomic.Value // int64, bytes

	logger zerolog.Logger
}

// NewStreamGuard builds a guard admitting at most maxStreams concurrent
// streams, rejecting above cpuThreshold percent CPU, and rejecting when
// heap use exceeds memoryLimit bytes (0 disables).
func NewStreamGuard(maxStreams int, cpuThreshold float64, memoryLimit int64, logger zerolog.Logger) *StreamGuard {
	g := &StreamGuard{
		slots:        make(chan struct{}, maxStreams),
		cpuThreshold: cpuThreshold,
		memoryLimit:  memoryLimit,
		logger:       logger,
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// Admit reserves a stream slot if resources allow. On success the caller
// owns one slot and must Release it when the stream ends; on failure the
// reason names the exhausted resource and is already counted.
func (g *StreamGuard) Admit() (bool, string) {
	select {
	case g.slots <- struct{}{}:
	default:
		return g.reject(RejectMaxStreams)
	}

	if currentCPU := g.currentCPU.Load().(float64); currentCPU > g.cpuThreshold {
		<-g.slots
		g.logger.Debug().
			Float64("cpu", currentCPU).
			Float64("threshold", g.cpuThreshold).
			Msg("stream rejected: cpu over threshold")
		return g.reject(RejectCPU)
	}

	if g.memoryLimit > 0 {
		if currentMemory := g.currentMemory.Load().(int64); currentMemory > g.memoryLimit {
			<-g.slots
			g.logger.Debug().
				Int64("memory_bytes", currentMemory).
				Int64("limit_bytes", g.memoryLimit).
				Msg("stream rejected: over memory limit")
			return g.reject(RejectMemory)
		}
	}

	return true, ""
}

func (g *StreamGuard) reject(reason string) (bool, string) {
	metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	return false, reason
}

// Release returns one stream slot.
func (g *StreamGuard) Release() {
	<-g.slots
}

// Active reports streams currently holding a slot.
func (g *StreamGuard) Active() int {
	return len(g.slots)
}

// Max reports the slot count.
func (g *StreamGuard) Max() int {
	return cap(g.slots)
}

// StartMonitoring samples CPU and memory every interval until stop is
// closed. Admission decisions read the latest sample.
func (g *StreamGuard) StartMonitoring(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-stop:
				return
			}
		}
	}()
}

// sample refreshes the resource readings. cpu.Percent with zero interval
// measures since the previous call, so the first tick establishes the
// baseline.
func (g *StreamGuard) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		g.logger.Debug().Err(err).Msg("cpu sample failed")
	} else {
		g.currentCPU.Store(percents[0])
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
}

// Stats summarizes guard state for the health endpoint.
func (g *StreamGuard) Stats() map[string]any {
	return map[string]any{
		"streams_active":       g.Active(),
		"streams_max":          g.Max(),
		"cpu_percent":          g.currentCPU.Load().(float64),
		"cpu_reject_threshold": g.cpuThreshold,
		"memory_bytes":         g.currentMemory.Load().(int64),
		"memory_limit_bytes":   g.memoryLimit,
		"goroutines":           runtime.NumGoroutine(),
	}
}

// String renders the guard state for the periodic stats log.
func (g *StreamGuard) String() string {
	return fmt.Sprintf("streams=%d/%d cpu=%.1f%% mem=%dMB",
		g.Active(), g.Max(),
		g.currentCPU.Load().(float64),
		g.currentMemory.Load().(int64)/(1024*1024))
}
