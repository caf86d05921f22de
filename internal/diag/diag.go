// Package diag publishes store-wide diagnostics: resource usage of the
// process and the scheduling lag seen by the core, reported as the
// connection status of a horde.
package diag

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/shellkit/wmd/internal/store"
)

// ProcessSource is the info source of process samples.
const ProcessSource = "process"

// Publisher receives diagnostics. store.Memory implements it.
type Publisher interface {
	PublishInfo(store.Info)
	PublishPerf(store.Perf)
}

type Options struct {
	Interval         time.Duration
	LagThreshold     time.Duration
	OverlayThreshold time.Duration
	Horde            string
}

// Sampler returns one resource sample.
type Sampler func() (map[string]any, error)

// Monitor samples on a ticker. Each tick publishes a process info record
// and, when the lag status changes, a perf report.
type Monitor struct {
	pub    Publisher
	opts   Options
	sample Sampler

	mu   sync.Mutex
	last store.Perf
	sent bool
}

func New(pub Publisher, opts Options) *Monitor {
	m := &Monitor{pub: pub, opts: opts}
	m.sample = m.processSampler()
	return m
}

// SetSampler replaces the resource sampler.
func (m *Monitor) SetSampler(s Sampler) {
	m.sample = s
}

func (m *Monitor) processSampler() Sampler {
	var proc *process.Process
	return func() (map[string]any, error) {
		if proc == nil {
			p, err := process.NewProcess(int32(os.Getpid()))
			if err != nil {
				return nil, err
			}
			proc = p
		}
		data := map[string]any{
			"pid":        os.Getpid(),
			"goroutines": runtime.NumGoroutine(),
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			data["cpu"] = cpu
		}
		if mi, err := proc.MemoryInfo(); err == nil {
			data["rss"] = mi.RSS
		}
		if n, err := proc.NumThreads(); err == nil {
			data["threads"] = n
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			data["memUsedPercent"] = vm.UsedPercent
		}
		return data, nil
	}
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.opts.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	expected := time.Now().Add(m.opts.Interval)
	glog.Infof("diagnostics every %s (horde %s)", m.opts.Interval, m.opts.Horde)
	m.observe(0)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.observe(now.Sub(expected))
			expected = now.Add(m.opts.Interval)
		}
	}
}

// observe publishes one sample and a perf report for a tick that came
// late by delay.
func (m *Monitor) observe(delay time.Duration) {
	if m.sample != nil {
		data, err := m.sample()
		if err != nil {
			glog.Warningf("process sample: %v", err)
		} else {
			m.pub.PublishInfo(store.Info{Source: ProcessSource, Data: data})
		}
	}

	if p, changed := m.evaluate(delay); changed {
		glog.V(1).Infof("horde %s: lag=%t overlay=%t delta=%dms", p.Horde, p.Lag, p.Overlay, p.Delta)
		m.pub.PublishPerf(p)
	}
}

// evaluate turns a delay into a perf report. changed is false when the
// report would tell the display surfaces nothing new.
func (m *Monitor) evaluate(delay time.Duration) (store.Perf, bool) {
	if delay < 0 {
		delay = 0
	}
	p := store.Perf{
		Horde:   m.opts.Horde,
		Lag:     m.opts.LagThreshold > 0 && delay > m.opts.LagThreshold,
		Overlay: m.opts.OverlayThreshold > 0 && delay > m.opts.OverlayThreshold,
	}
	if p.Lag {
		p.Delta = delay.Milliseconds()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sent {
		m.sent = true
		m.last = p
		// a healthy start is what surfaces assume already
		return p, p.Lag || p.Overlay
	}
	if p == m.last {
		return p, false
	}
	m.last = p
	return p, true
}

// Last returns the most recent perf report.
func (m *Monitor) Last() store.Perf {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
