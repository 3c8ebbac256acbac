package diagnostics

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostMetrics holds host-wide and daemon-process resource usage.
type HostMetrics struct {
	Hostname string `json:"hostname"`

	CPUModel   string  `json:"cpu_model"`
	CPUThreads int     `json:"cpu_threads"`
	CPUPercent float64 `json:"cpu_percent"`

	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	DiskPath    string  `json:"disk_path"`
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskUsedGB  float64 `json:"disk_used_gb"`
	DiskPercent float64 `json:"disk_percent"`

	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`

	ProcessRSSMB   float64 `json:"process_rss_mb"`
	ProcessThreads int32   `json:"process_threads"`
}

// Collector gathers HostMetrics. Unavailable readings are left zero.
type Collector struct {
	diskPath string

	mu           sync.Mutex
	lastCPUTotal float64
	lastCPUIdle  float64
	cpuModel     string
	cpuThreads   int
	infoDone     bool
}

// NewCollector creates a collector reporting disk usage for the filesystem
// holding diskPath.
func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{diskPath: diskPath}
}

// Collect reads the current metrics. CPU percent is measured between
// successive calls, so the first call reports zero.
func (c *Collector) Collect(ctx context.Context) HostMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := HostMetrics{DiskPath: c.diskPath}
	m.Hostname, _ = os.Hostname()

	c.collectHardware(ctx, &m)
	c.collectCPU(ctx, &m)

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemTotalMB = float64(vm.Total) / 1024 / 1024
		m.MemUsedMB = float64(vm.Used) / 1024 / 1024
		m.MemPercent = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		m.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
		m.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
		m.DiskPercent = usage.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.LoadAvg1, m.LoadAvg5, m.LoadAvg15 = avg.Load1, avg.Load5, avg.Load15
	}
	if self, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil { //nolint:gosec // pids fit in int32
		if info, err := self.MemoryInfoWithContext(ctx); err == nil {
			m.ProcessRSSMB = float64(info.RSS) / 1024 / 1024
		}
		if n, err := self.NumThreadsWithContext(ctx); err == nil {
			m.ProcessThreads = n
		}
	}
	return m
}

func (c *Collector) collectHardware(ctx context.Context, m *HostMetrics) {
	if !c.infoDone {
		if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
			c.cpuModel = strings.TrimSpace(infos[0].ModelName)
		}
		if threads, err := cpu.CountsWithContext(ctx, true); err == nil {
			c.cpuThreads = threads
		}
		c.infoDone = true
	}
	m.CPUModel = c.cpuModel
	m.CPUThreads = c.cpuThreads
}

func (c *Collector) collectCPU(ctx context.Context, m *HostMetrics) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return
	}
	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait
	if c.lastCPUTotal > 0 {
		if delta := total - c.lastCPUTotal; delta > 0 {
			m.CPUPercent = (1 - (idle-c.lastCPUIdle)/delta) * 100
		}
	}
	c.lastCPUTotal = total
	c.lastCPUIdle = idle
}
