// Package sysstat samples machine load. Read failures never surface: a
// metric that cannot be read is reported as 0.
package sysstat

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Load is a utilisation snapshot in percent.
type Load struct {
	CPU float64
	RAM float64
	GPU float64
}

type Sampler struct {
	cpuPercent func(ctx context.Context) (float64, error)
	ramPercent func(ctx context.Context) (float64, error)
	gpuPercent func(ctx context.Context) (float64, error)
}

// NewSampler returns a Sampler over the live machine. Each Sampler keeps its
// own CPU baseline, so concurrent consumers should each hold one.
func NewSampler() *Sampler {
	return &Sampler{
		cpuPercent: NewCPUCounter(readCPUTimes).Percent,
		ramPercent: readRAM,
		gpuPercent: readGPU,
	}
}

// NewWithReaders creates a Sampler with injectable readers. Used in tests.
func NewWithReaders(cpuFn, ramFn, gpuFn func(ctx context.Context) (float64, error)) *Sampler {
	return &Sampler{cpuPercent: cpuFn, ramPercent: ramFn, gpuPercent: gpuFn}
}

func (s *Sampler) Sample(ctx context.Context) Load {
	return Load{
		CPU: orZero(ctx, s.cpuPercent),
		RAM: orZero(ctx, s.ramPercent),
		GPU: orZero(ctx, s.gpuPercent),
	}
}

func orZero(ctx context.Context, fn func(ctx context.Context) (float64, error)) float64 {
	if fn == nil {
		return 0
	}
	v, err := fn(ctx)
	if err != nil {
		return 0
	}
	return v
}

// CPUCounter reports CPU utilisation over the window since its own previous
// read. The first read covers the time since boot.
type CPUCounter struct {
	mu    sync.Mutex
	times func(ctx context.Context) (cpu.TimesStat, error)
	last  cpu.TimesStat
}

func NewCPUCounter(times func(ctx context.Context) (cpu.TimesStat, error)) *CPUCounter {
	return &CPUCounter{times: times}
}

func (c *CPUCounter) Percent(ctx context.Context) (float64, error) {
	cur, err := c.times(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pct := BusyPercent(c.last, cur)
	c.last = cur
	return pct, nil
}

// BusyPercent is the share of non-idle time between two cumulative CPU time
// readings. Guest time is already counted in User. A counter that did not
// advance, or went backwards, yields 0.
func BusyPercent(prev, cur cpu.TimesStat) float64 {
	total := cpuTotal(cur) - cpuTotal(prev)
	if total <= 0 {
		return 0
	}
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	busy := total - idle
	if busy <= 0 {
		return 0
	}
	return min(100, busy*100/total)
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func readCPUTimes(ctx context.Context) (cpu.TimesStat, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, err
	}
	if len(times) == 0 {
		return cpu.TimesStat{}, fmt.Errorf("cpu: no samples")
	}
	return times[0], nil
}

func readRAM(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func readGPU(ctx context.Context) (float64, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	return ParseGPUUtilization(string(out))
}

// ParseGPUUtilization reads the first device's utilisation from
// nvidia-smi csv output. No devices yields 0.
func ParseGPUUtilization(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return 0, fmt.Errorf("parse gpu utilization %q: %w", line, err)
		}
		return v, nil
	}
	return 0, nil
}
