// Package monitor probes provider capacity and health on a fixed
// cadence and keeps a rolling availability view for the autoscaler
// and the status API.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/metrics"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/types"
)

// historyWindow bounds the rolling snapshot history kept per provider.
const historyWindow = 20

// Snapshot is one probe result for a single provider.
type Snapshot struct {
	Provider     string
	Availability *types.ResourceAvailability
	Healthy      bool
	Error        string
	ProbedAt     time.Time
}

// HostStats is a sample of the machine running the orchestrator.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryTotal   uint64
	MemoryUsed    uint64
	SampledAt     time.Time
}

// Config wires a Monitor's dependencies.
type Config struct {
	Providers *provider.Registry

	// Interval between probes. Defaults to 15 seconds.
	Interval time.Duration

	// SampleHost also records orchestrator host usage each probe.
	SampleHost bool

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Monitor periodically probes every registered provider for capacity
// and health, keeping the latest snapshot and a rolling history per
// provider. The autoscaler and /v1/status read from it instead of
// hitting providers directly.
type Monitor struct {
	providers *provider.Registry
	interval  time.Duration
	probeHost bool
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.RWMutex
	latest  map[string]*Snapshot
	history map[string][]*Snapshot
	host    *HostStats

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds a resource monitor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Monitor{
		providers: cfg.Providers,
		interval:  cfg.Interval,
		probeHost: cfg.SampleHost,
		now:       cfg.Clock,
		logger:    log.WithComponent("monitor"),
		latest:    make(map[string]*Snapshot),
		history:   make(map[string][]*Snapshot),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		// Probe immediately on start
		m.Probe(ctx)

		for {
			select {
			case <-ticker.C:
				m.Probe(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	m.logger.Info().Dur("interval", m.interval).Msg("Resource monitor started")
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

// Probe runs one probe pass over every provider. Exposed so tests and
// the status endpoint can force a fresh view.
func (m *Monitor) Probe(ctx context.Context) {
	for _, name := range m.providers.Names() {
		prov, ok := m.providers.Get(name)
		if !ok {
			continue
		}
		m.record(m.probeProvider(ctx, name, prov))
	}

	if m.probeHost {
		m.sampleHost(ctx)
	}
}

func (m *Monitor) probeProvider(ctx context.Context, name string, prov provider.Provider) *Snapshot {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snapshot := &Snapshot{
		Provider: name,
		ProbedAt: m.now(),
	}

	if err := prov.HealthCheck(probeCtx); err != nil {
		snapshot.Error = err.Error()
		m.logger.Warn().Str("provider", name).Err(err).Msg("Provider health check failed")
		metrics.ProviderHealthy.WithLabelValues(name).Set(0)
		return snapshot
	}
	snapshot.Healthy = true
	metrics.ProviderHealthy.WithLabelValues(name).Set(1)

	avail, err := prov.GetResourceAvailability(probeCtx)
	if err != nil {
		snapshot.Error = err.Error()
		m.logger.Warn().Str("provider", name).Err(err).Msg("Capacity probe failed")
		return snapshot
	}
	snapshot.Availability = avail

	metrics.ProviderCPUAvailable.WithLabelValues(name).Set(float64(avail.AvailableCPU))
	metrics.ProviderMemoryAvailable.WithLabelValues(name).Set(float64(avail.AvailableMemory))
	return snapshot
}

func (m *Monitor) record(snapshot *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest[snapshot.Provider] = snapshot
	window := append(m.history[snapshot.Provider], snapshot)
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}
	m.history[snapshot.Provider] = window
}

func (m *Monitor) sampleHost(ctx context.Context) {
	stats := &HostStats{SampledAt: m.now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
		metrics.HostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryTotal = vm.Total
		stats.MemoryUsed = vm.Used
		metrics.HostMemoryPercent.Set(vm.UsedPercent)
	}

	m.mu.Lock()
	m.host = stats
	m.mu.Unlock()
}

// Latest returns the most recent snapshot for one provider.
func (m *Monitor) Latest(providerName string) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[providerName]
	return snapshot, ok
}

// LatestAll returns the most recent snapshot per provider, sorted by
// provider name.
func (m *Monitor) LatestAll() []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make([]*Snapshot, 0, len(m.latest))
	for _, snapshot := range m.latest {
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Provider < snapshots[j].Provider })
	return snapshots
}

// Availability returns the latest capacity view for one provider, nil
// when the provider has not been probed successfully yet.
func (m *Monitor) Availability(providerName string) *types.ResourceAvailability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[providerName]
	if !ok || snapshot.Availability == nil {
		return nil
	}
	return snapshot.Availability
}

// AverageCPUAvailable reports the mean available CPU over the rolling
// window for one provider, in millicores. The second return is false
// until at least one successful probe exists.
func (m *Monitor) AverageCPUAvailable(providerName string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	var n int64
	for _, snapshot := range m.history[providerName] {
		if snapshot.Availability == nil {
			continue
		}
		sum += snapshot.Availability.AvailableCPU
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / n, true
}

// HistoryLen reports how many snapshots the window currently holds for
// one provider.
func (m *Monitor) HistoryLen(providerName string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history[providerName])
}

// Host returns the latest orchestrator host sample, nil when host
// sampling is disabled or no sample has completed.
func (m *Monitor) Host() *HostStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.host
}

// Healthy reports whether every registered provider passed its last
// health check.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latest) == 0 {
		return false
	}
	for _, snapshot := range m.latest {
		if !snapshot.Healthy {
			return false
		}
	}
	return true
}
