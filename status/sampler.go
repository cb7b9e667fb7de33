package status

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
)

// Sample is one reading of the host metrics.
type Sample struct {
	CPUPercent float64
	MemPercent float64
	Uptime     time.Duration
	// ProcessRSS is the resident memory of the gateway process in bytes.
	ProcessRSS uint64
}

// Sampler reads host metrics.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type hostSampler struct {
	proc *process.Process
}

// HostSampler reads the metrics of the machine the gateway runs on.
func HostSampler() (Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &hostSampler{proc: proc}, nil
}

func (h *hostSampler) Sample(ctx context.Context) (Sample, error) {
	var s Sample
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return s, err
	}
	if len(percent) > 0 {
		s.CPUPercent = percent[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.MemPercent = vm.UsedPercent
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.Uptime = time.Duration(up) * time.Second
	info, err := h.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.ProcessRSS = info.RSS
	return s, nil
}
