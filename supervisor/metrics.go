package supervisor

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tfswheels/foreman/errors"
	"github.com/tfswheels/foreman/job"
)

// SystemMetrics is the resource snapshot reported on the health endpoint.
type SystemMetrics struct {
	WorkersRunning int     `json:"workers_running"`
	JobsPending    int     `json:"jobs_pending"`
	JobsAwaiting   int     `json:"jobs_awaiting"`
	MemoryUsedGB   float64 `json:"memory_used_gb"`
	MemoryTotalGB  float64 `json:"memory_total_gb"`
	MemoryPercent  float64 `json:"memory_percent"`
}

// Metrics returns current worker and system resource usage.
func (s *Supervisor) Metrics() (*SystemMetrics, error) {
	counts, err := s.store.CountByStatus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	m := &SystemMetrics{
		WorkersRunning: counts[job.StatusRunning] +
			counts[job.StatusAwaitingConfirmation] +
			counts[job.StatusAwaitingUserInput],
		JobsPending: counts[job.StatusPending],
		JobsAwaiting: counts[job.StatusAwaitingConfirmation] +
			counts[job.StatusAwaitingUserInput],
	}

	v, err := mem.VirtualMemory()
	if err == nil && v.Total > 0 {
		m.MemoryTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}

	return m, nil
}
