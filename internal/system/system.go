package system

import (
	"log"
	"os"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var startedAt = time.Now()

// Snapshot is the host and process state reported by the health endpoint.
type Snapshot struct {
	GoVersion     string   `json:"go_version"`
	Goroutines    int      `json:"goroutines"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	CPUBrand      string   `json:"cpu_brand"`
	LogicalCores  int      `json:"logical_cores"`
	CPUFeatures   []string `json:"cpu_features,omitempty"`
	ProcessRSS    uint64   `json:"process_rss_bytes,omitempty"`
	MemTotal      uint64   `json:"mem_total_bytes,omitempty"`
	MemUsedPct    float64  `json:"mem_used_percent,omitempty"`
}

// Collect gathers a Snapshot. Probes that fail are left zero.
func Collect() Snapshot {
	s := Snapshot{
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(startedAt).Seconds(),
		CPUBrand:      cpuid.CPU.BrandName,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.AVX512F, cpuid.FMA3} {
		if cpuid.CPU.Supports(f) {
			s.CPUFeatures = append(s.CPUFeatures, f.String())
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemTotal = vm.Total
		s.MemUsedPct = vm.UsedPercent
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfo(); err == nil {
			s.ProcessRSS = info.RSS
		}
	}
	return s
}

// LogStartup prints the host summary once at process start.
func LogStartup() {
	s := Collect()
	log.Printf("Host: %s, %d logical cores, features %v", s.CPUBrand, s.LogicalCores, s.CPUFeatures)
	if s.MemTotal > 0 {
		log.Printf("Memory: %d MiB total, %.1f%% used", s.MemTotal>>20, s.MemUsedPct)
	}
}
