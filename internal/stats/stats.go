// Package stats gives the host-resource fields the teacher declares on
// pkg/monitor.NodeStatus (DiskUsage, MemoryUsage, Load) their first real
// data source: github.com/shirou/gopsutil/v3 is already in the teacher's
// go.mod but is never imported anywhere in its tree.
//
// Unlike the teacher's NodeStatus, which exists to describe a remote
// cluster member, this package reports the single local process's own
// view of the host it runs on (spec section 2's "single-node database").
package stats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Snapshot is one point-in-time read of host resource usage.
type Snapshot struct {
	CPUPercent        float64
	MemoryUsedPercent float64
	DiskUsedPercent   float64
	DiskFreeBytes     uint64
}

// Reporter periodically samples host stats for the data directory's
// volume and logs them at info level.
type Reporter struct {
	dataDir  string
	interval time.Duration
	log      logrus.FieldLogger
}

func New(dataDir string, interval time.Duration, log logrus.FieldLogger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reporter{dataDir: dataDir, interval: interval, log: log.WithField("component", "stats")}
}

// Sample takes one reading. cpu.Percent blocks briefly to measure a
// delta; callers on a hot path should prefer Run's background loop.
func (r *Reporter) Sample(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	cpuPct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err == nil && len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsedPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, r.dataDir); err == nil {
		snap.DiskUsedPercent = du.UsedPercent
		snap.DiskFreeBytes = du.Free
	}

	return snap, nil
}

// Run samples on a fixed interval until ctx is canceled, logging each
// snapshot. It never returns an error. Sample leaves a field at zero
// when its gopsutil reading fails and does not report that failure, so
// a transient gopsutil read never takes down the server.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := r.Sample(ctx)
			if err != nil {
				r.log.WithError(err).Warn("stats: sample failed")
				continue
			}
			r.log.WithFields(logrus.Fields{
				"cpu_percent":    snap.CPUPercent,
				"mem_percent":    snap.MemoryUsedPercent,
				"disk_percent":   snap.DiskUsedPercent,
				"disk_free_byte": snap.DiskFreeBytes,
			}).Info("host stats")
		}
	}
}
