package collectors

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/classinsights/agent/internal/logging"
)

var log = logging.L("collectors")

// Keys of one EthernetUsages entry, in bytes per second.
const (
	KeyUpload   = "Upload Speed"
	KeyDownload = "Download Speed"
)

// Sample is one reading of the machine's load. Field names are the ones
// the dashboard expects. Power stays unset: gopsutil has no power draw
// reading, and the dashboard treats a missing value as unknown.
type Sample struct {
	CpuUsage       []float64            `json:"CpuUsage"`
	Power          float64              `json:"Power,omitempty"`
	EthernetUsages []map[string]float64 `json:"EthernetUsages"`
	RamUsage       float64              `json:"RamUsage"`
	DiskUsages     []float64            `json:"DiskUsages"`
}

// TelemetrySource produces load samples for the telemetry heartbeat.
type TelemetrySource interface {
	Sample(ctx context.Context) (*Sample, error)
	BootTime(ctx context.Context) (time.Time, error)
}

type netCounter struct {
	sent, recv uint64
	at         time.Time
}

// HostSampler reads the local machine through gopsutil. Network throughput
// is derived from the counters of the previous call.
type HostSampler struct {
	mu   sync.Mutex
	last map[string]netCounter
	now  func() time.Time

	cpuPercent func(ctx context.Context) ([]float64, error)
	memPercent func(ctx context.Context) (float64, error)
	diskUsages func(ctx context.Context) ([]float64, error)
	ioCounters func(ctx context.Context) ([]psnet.IOCountersStat, error)
	bootTime   func(ctx context.Context) (uint64, error)
}

func NewHostSampler() *HostSampler {
	return &HostSampler{
		last: make(map[string]netCounter),
		now:  time.Now,
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		memPercent: func(ctx context.Context) (float64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		diskUsages: localDiskUsages,
		ioCounters: func(ctx context.Context) ([]psnet.IOCountersStat, error) {
			return psnet.IOCountersWithContext(ctx, true)
		},
		bootTime: host.BootTimeWithContext,
	}
}

// Sample collects every metric it can. A failing metric is logged and left
// at its zero value; the sample is still returned.
func (s *HostSampler) Sample(ctx context.Context) (*Sample, error) {
	out := &Sample{
		CpuUsage:       []float64{},
		EthernetUsages: []map[string]float64{},
		DiskUsages:     []float64{},
	}

	if v, err := s.cpuPercent(ctx); err == nil {
		out.CpuUsage = v
	} else {
		log.Debug("cpu sample failed", "error", err)
	}

	if v, err := s.memPercent(ctx); err == nil {
		out.RamUsage = v
	} else {
		log.Debug("memory sample failed", "error", err)
	}

	if v, err := s.diskUsages(ctx); err == nil {
		out.DiskUsages = v
	} else {
		log.Debug("disk sample failed", "error", err)
	}

	if counters, err := s.ioCounters(ctx); err == nil {
		out.EthernetUsages = s.throughput(counters)
	} else {
		log.Debug("network sample failed", "error", err)
	}

	return out, nil
}

func (s *HostSampler) BootTime(ctx context.Context) (time.Time, error) {
	secs, err := s.bootTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0), nil
}

// throughput turns cumulative counters into per-NIC rates. A NIC seen for
// the first time reports zero.
func (s *HostSampler) throughput(counters []psnet.IOCountersStat) []map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	usages := make([]map[string]float64, 0, len(counters))
	seen := make(map[string]bool, len(counters))
	for _, c := range counters {
		if c.Name == "lo" || c.Name == "lo0" {
			continue
		}
		seen[c.Name] = true
		usage := map[string]float64{KeyUpload: 0, KeyDownload: 0}

		if prev, ok := s.last[c.Name]; ok {
			elapsed := now.Sub(prev.at).Seconds()
			if elapsed > 0 && c.BytesSent >= prev.sent && c.BytesRecv >= prev.recv {
				usage[KeyUpload] = float64(c.BytesSent-prev.sent) / elapsed
				usage[KeyDownload] = float64(c.BytesRecv-prev.recv) / elapsed
			}
		}
		s.last[c.Name] = netCounter{sent: c.BytesSent, recv: c.BytesRecv, at: now}
		usages = append(usages, usage)
	}
	for name := range s.last {
		if !seen[name] {
			delete(s.last, name)
		}
	}
	return usages
}

func localDiskUsages(ctx context.Context) ([]float64, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	usages := make([]float64, 0, len(parts))
	for _, p := range parts {
		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		usages = append(usages, u.UsedPercent)
	}
	return usages, nil
}
