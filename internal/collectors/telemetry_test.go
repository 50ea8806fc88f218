package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

func fakeSampler(counters *[]psnet.IOCountersStat, clock *time.Time) *HostSampler {
	s := NewHostSampler()
	s.now = func() time.Time { return *clock }
	s.cpuPercent = func(context.Context) ([]float64, error) { return []float64{12.5}, nil }
	s.memPercent = func(context.Context) (float64, error) { return 40, nil }
	s.diskUsages = func(context.Context) ([]float64, error) { return nil, errors.New("no disks") }
	s.ioCounters = func(context.Context) ([]psnet.IOCountersStat, error) { return *counters, nil }
	s.bootTime = func(context.Context) (uint64, error) { return 1773640800, nil }
	return s
}

func TestSampleThroughputFromCounterDeltas(t *testing.T) {
	clock := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	counters := []psnet.IOCountersStat{
		{Name: "lo", BytesSent: 1, BytesRecv: 1},
		{Name: "eth0", BytesSent: 1000, BytesRecv: 5000},
	}
	s := fakeSampler(&counters, &clock)

	first, err := s.Sample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first.EthernetUsages) != 1 || first.EthernetUsages[0][KeyUpload] != 0 {
		t.Fatalf("first sample should report zero throughput, got %v", first.EthernetUsages)
	}

	clock = clock.Add(2 * time.Second)
	counters = []psnet.IOCountersStat{{Name: "eth0", BytesSent: 3000, BytesRecv: 9000}}
	second, err := s.Sample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := second.EthernetUsages[0]
	if got[KeyUpload] != 1000 || got[KeyDownload] != 2000 {
		t.Fatalf("throughput = %v, want 1000 up / 2000 down", got)
	}
}

func TestSampleCounterResetReportsZero(t *testing.T) {
	clock := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	counters := []psnet.IOCountersStat{{Name: "eth0", BytesSent: 5000, BytesRecv: 5000}}
	s := fakeSampler(&counters, &clock)
	s.Sample(context.Background())

	clock = clock.Add(time.Second)
	counters = []psnet.IOCountersStat{{Name: "eth0", BytesSent: 10, BytesRecv: 10}}
	sample, _ := s.Sample(context.Background())
	if sample.EthernetUsages[0][KeyUpload] != 0 {
		t.Fatalf("wrapped counter should report zero, got %v", sample.EthernetUsages[0])
	}
}

func TestSampleKeepsPartialResults(t *testing.T) {
	clock := time.Now()
	counters := []psnet.IOCountersStat{}
	s := fakeSampler(&counters, &clock)

	sample, err := s.Sample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sample.RamUsage != 40 || len(sample.CpuUsage) != 1 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if sample.DiskUsages == nil || len(sample.DiskUsages) != 0 {
		t.Fatalf("failed disk metric should be an empty list, got %v", sample.DiskUsages)
	}
}

func TestBootTime(t *testing.T) {
	clock := time.Now()
	counters := []psnet.IOCountersStat{}
	s := fakeSampler(&counters, &clock)

	boot, err := s.BootTime(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if boot.Unix() != 1773640800 {
		t.Fatalf("BootTime = %v", boot)
	}
}

func TestPickInterface(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "wlan0", HardwareAddr: "aa:bb:cc:00:00:01", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.0.0.9/24"}}},
		{Name: "eth1", HardwareAddr: "aa:bb:cc:00:00:02", Flags: []string{"up"}, Addrs: psnet.InterfaceAddrList{{Addr: "fe80::1/64"}}},
		{Name: "eth0", HardwareAddr: "aa:bb:cc:00:00:03", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "fe80::2/64"}, {Addr: "192.168.20.41/24"}}},
	}

	ni, err := pickInterface(ifaces)
	if err != nil {
		t.Fatal(err)
	}
	if ni.Name != "eth0" || ni.IPAddress != "192.168.20.41" || ni.MACAddr != "aa:bb:cc:00:00:03" {
		t.Fatalf("picked %+v", ni)
	}
}

func TestPickInterfaceFallsBackToMACOnly(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "eth1", HardwareAddr: "aa:bb:cc:00:00:02", Flags: []string{"up"}},
	}
	ni, err := pickInterface(ifaces)
	if err != nil {
		t.Fatal(err)
	}
	if ni.MACAddr != "aa:bb:cc:00:00:02" || ni.IPAddress != "" {
		t.Fatalf("picked %+v", ni)
	}

	if _, err := pickInterface(nil); !errors.Is(err, ErrNoInterface) {
		t.Fatalf("expected ErrNoInterface, got %v", err)
	}
}

func TestSampleOmitsUnmeasuredPower(t *testing.T) {
	clock := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	counters := []psnet.IOCountersStat{{Name: "eth0", BytesSent: 1, BytesRecv: 1}}
	sample, err := fakeSampler(&counters, &clock).Sample(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(sample)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"Power"`) {
		t.Fatalf("Power should be omitted when not measured: %s", data)
	}
	if !strings.Contains(string(data), `"CpuUsage"`) {
		t.Fatalf("expected dashboard field names: %s", data)
	}
}
