package monitor

import (
	"log/slog"
	"time"

	"github.com/prometheus/procfs"
)

// Sampler feeds process CPU and memory fractions into the monitor on a
// fixed interval, read from /proc. On platforms without procfs the
// sampler logs once and stays idle.
type Sampler struct {
	mon      *Monitor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}

	memTotal uint64
	lastCPU  float64
	lastAt   time.Time
}

// NewSampler creates a resource sampler. A non-positive interval
// defaults to one second.
func NewSampler(mon *Monitor, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		mon:      mon,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sample loop in a goroutine.
func (s *Sampler) Start() {
	go s.run()
}

// Stop halts the loop and waits for it to finish.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sampler) run() {
	defer close(s.done)

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		s.logger.Warn("resource sampler disabled: procfs unavailable", slog.String("error", err.Error()))
		<-s.stop
		return
	}
	if mi, err := fs.Meminfo(); err == nil && mi.MemTotal != nil {
		s.memTotal = *mi.MemTotal * 1024 // kB -> bytes
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

func (s *Sampler) sample() {
	proc, err := procfs.Self()
	if err != nil {
		return
	}
	stat, err := proc.Stat()
	if err != nil {
		return
	}

	now := time.Now()
	cpuTime := stat.CPUTime()
	var cpuFraction float64
	if !s.lastAt.IsZero() {
		if elapsed := now.Sub(s.lastAt).Seconds(); elapsed > 0 {
			cpuFraction = (cpuTime - s.lastCPU) / elapsed
		}
	}
	s.lastCPU = cpuTime
	s.lastAt = now

	var memFraction float64
	if s.memTotal > 0 {
		memFraction = float64(stat.ResidentMemory()) / float64(s.memTotal)
	}

	s.mon.RecordResources(cpuFraction, memFraction)
}
