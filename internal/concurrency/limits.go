package concurrency

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/skillrunner/skillrunner/internal/common/config"
	"github.com/skillrunner/skillrunner/internal/common/logger"
)

// Limits is the resolved admission sizing.
type Limits struct {
	MaxConcurrent int    `json:"max_concurrent"`
	MaxQueueSize  int    `json:"max_queue_size"`
	LimitedBy     string `json:"limited_by"` // cpu | memory | fd | pid | hard_cap | fallback
}

// ComputeLimits probes the host once and sizes the run semaphore as the
// minimum of the CPU, memory, file-descriptor and pid-derived bounds, capped
// by the configured hard cap. Probe failure on any dimension skips that
// dimension; if every probe fails the fallback is used.
func ComputeLimits(cfg config.ConcurrencyConfig, log *logger.Logger) Limits {
	type bound struct {
		name  string
		value int
	}
	var bounds []bound

	if ncpu := runtime.NumCPU(); ncpu > 0 {
		bounds = append(bounds, bound{"cpu", int(cfg.CPUFactor * float64(ncpu))})
	}

	if availMB, ok := probeAvailableMemoryMB(); ok && cfg.EstimatedMemPerRunMB > 0 {
		usable := availMB - cfg.MemReserveMB
		bounds = append(bounds, bound{"memory", usable / cfg.EstimatedMemPerRunMB})
	}

	if fdSoft, ok := probeFDSoftLimit(); ok && cfg.EstimatedFDPerRun > 0 {
		usable := fdSoft - cfg.FDReserve
		bounds = append(bounds, bound{"fd", usable / cfg.EstimatedFDPerRun})
	}

	if pidSoft, ok := probePIDSoftLimit(); ok && cfg.EstimatedPIDPerRun > 0 {
		usable := pidSoft - cfg.PIDReserve
		bounds = append(bounds, bound{"pid", usable / cfg.EstimatedPIDPerRun})
	}

	if cfg.HardCap > 0 {
		bounds = append(bounds, bound{"hard_cap", cfg.HardCap})
	}

	min := 0
	limitedBy := "fallback"
	for _, b := range bounds {
		if b.value <= 0 {
			continue
		}
		if min == 0 || b.value < min {
			min = b.value
			limitedBy = b.name
		}
	}
	if min <= 0 {
		min = cfg.FallbackMaxConcurrent
		limitedBy = "fallback"
		log.Warn("all concurrency probes failed, using fallback",
			zap.Int("max_concurrent", min))
	}

	log.Info("computed admission limits",
		zap.Int("max_concurrent", min),
		zap.String("limited_by", limitedBy),
		zap.Int("max_queue_size", cfg.MaxQueueSize))

	return Limits{
		MaxConcurrent: min,
		MaxQueueSize:  cfg.MaxQueueSize,
		LimitedBy:     limitedBy,
	}
}
