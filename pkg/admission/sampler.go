package admission

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads live host load via gopsutil.
type HostSampler struct{}

// NewHostSampler returns a sampler backed by the operating system.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// Sample returns current memory and CPU utilization percentages. CPU percent
// is measured since the previous call, so the first sample after startup may
// read low; the cached-sample refresh cycle smooths this out.
func (s *HostSampler) Sample() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	return vm.UsedPercent, cpuPct, nil
}

var _ Sampler = (*HostSampler)(nil)
