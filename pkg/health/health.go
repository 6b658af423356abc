// Package health samples CPU usage into a fixed-capacity ring for the
// health telemetry stream.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"
)

// Capacity bounds the sample history.
const Capacity = 60

// sampleErrBackoff paces retries when the platform cannot be sampled.
const sampleErrBackoff = time.Second

// Monitor keeps the most recent CPU samples.
type Monitor struct {
	mu      sync.Mutex
	samples []float64
	start   int
	count   int
	logger  *zap.Logger
	sample  func(ctx context.Context) (float64, error)
}

func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{samples: make([]float64, Capacity), logger: logger, sample: cpuSample}
}

// cpuSample blocks for the sampling interval and returns the systemwide
// CPU percentage.
func cpuSample(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, errors.New("health: no cpu counters")
	}
	return percents[0], nil
}

// Record pushes a sample, evicting the oldest once full.
func (m *Monitor) Record(sample float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count < Capacity {
		m.samples[(m.start+m.count)%Capacity] = sample
		m.count++
		return
	}
	m.samples[m.start] = sample
	m.start = (m.start + 1) % Capacity
}

// Snapshot returns the samples oldest-first.
func (m *Monitor) Snapshot() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, m.count)
	for i := 0; i < m.count; i++ {
		out[i] = m.samples[(m.start+i)%Capacity]
	}
	return out
}

// Run samples once per second until ctx is cancelled, invoking onSample
// with the updated history after each sample. Sampling failures back
// off instead of retrying immediately.
func (m *Monitor) Run(ctx context.Context, onSample func([]float64)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		value, err := m.sample(ctx)
		if err != nil {
			m.logger.Debug("cpu sample failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(sampleErrBackoff):
			}
			continue
		}
		m.Record(value)
		if onSample != nil {
			onSample(m.Snapshot())
		}
	}
}
