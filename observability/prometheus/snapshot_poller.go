package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/goo-runtime/channel"
	"github.com/Swind/goo-runtime/core"
	"github.com/Swind/goo-runtime/supervisor"
	"github.com/Swind/goo-runtime/workdist"
)

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// ChannelSnapshotProvider provides channel stats snapshots.
type ChannelSnapshotProvider interface {
	Stats() channel.Stats
}

// SupervisorSnapshotProvider provides supervisor stats snapshots.
type SupervisorSnapshotProvider interface {
	Stats() supervisor.Stats
}

// DistributionSnapshotProvider provides work distribution stats snapshots.
type DistributionSnapshotProvider interface {
	Stats() workdist.Stats
}

// SnapshotPoller periodically exports Stats() snapshots of pools, channels,
// supervisors and work distributions into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	providersMu   sync.RWMutex
	pools         map[string]PoolSnapshotProvider
	channels      map[string]ChannelSnapshotProvider
	supervisors   map[string]SupervisorSnapshotProvider
	distributions map[string]DistributionSnapshotProvider

	poolQueued    *prom.GaugeVec
	poolActive    *prom.GaugeVec
	poolWorkers   *prom.GaugeVec
	poolRunning   *prom.GaugeVec
	poolCompleted *prom.GaugeVec
	poolFailed    *prom.GaugeVec

	channelLen      *prom.GaugeVec
	channelMaxDepth *prom.GaugeVec
	channelClosed   *prom.GaugeVec

	supervisorRestarts  *prom.GaugeVec
	supervisorEscalated *prom.GaugeVec
	childRestarts       *prom.GaugeVec
	childFailed         *prom.GaugeVec

	distRemaining *prom.GaugeVec
	distChunks    *prom.GaugeVec
	distSteals    *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func gauge(name, help string, labels ...string) *prom.GaugeVec {
	return prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: snapshotNamespace,
		Name:      name,
		Help:      help,
	}, labels)
}

const snapshotNamespace = "goo"

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{
		interval:      interval,
		pools:         make(map[string]PoolSnapshotProvider),
		channels:      make(map[string]ChannelSnapshotProvider),
		supervisors:   make(map[string]SupervisorSnapshotProvider),
		distributions: make(map[string]DistributionSnapshotProvider),

		poolQueued:    gauge("pool_queued", "Queued tasks per pool.", "pool"),
		poolActive:    gauge("pool_active", "Active tasks per pool.", "pool"),
		poolWorkers:   gauge("pool_workers", "Worker count per pool.", "pool"),
		poolRunning:   gauge("pool_running", "Pool running state (1=running, 0=stopped).", "pool"),
		poolCompleted: gauge("pool_completed", "Completed task count snapshot.", "pool"),
		poolFailed:    gauge("pool_failed", "Failed task count snapshot.", "pool"),

		channelLen:      gauge("channel_len", "Queued elements per channel.", "channel", "pattern"),
		channelMaxDepth: gauge("channel_max_depth", "Deepest queue a channel has reached.", "channel", "pattern"),
		channelClosed:   gauge("channel_closed", "Channel closed state (1=closed, 0=open).", "channel", "pattern"),

		supervisorRestarts:  gauge("supervisor_restarts", "Restarts inside the current window.", "supervisor", "policy"),
		supervisorEscalated: gauge("supervisor_escalated", "Supervisor escalated state (1=escalated).", "supervisor", "policy"),
		childRestarts:       gauge("child_restarts", "Restarts per supervised child.", "supervisor", "child"),
		childFailed:         gauge("child_failed", "Child failed state (1=failed).", "supervisor", "child"),

		distRemaining: gauge("distribution_remaining", "Indices not yet handed out.", "distribution", "schedule"),
		distChunks:    gauge("distribution_chunks", "Chunks dispatched.", "distribution", "schedule"),
		distSteals:    gauge("distribution_steals", "Steal attempts by outcome.", "distribution", "schedule", "outcome"),
	}

	for _, g := range []**prom.GaugeVec{
		&p.poolQueued, &p.poolActive, &p.poolWorkers, &p.poolRunning, &p.poolCompleted, &p.poolFailed,
		&p.channelLen, &p.channelMaxDepth, &p.channelClosed,
		&p.supervisorRestarts, &p.supervisorEscalated, &p.childRestarts, &p.childFailed,
		&p.distRemaining, &p.distChunks, &p.distSteals,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}
	return p, nil
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providersMu.Lock()
	p.pools[normalizeLabel(name, "pool")] = provider
	p.providersMu.Unlock()
}

// AddChannel adds or replaces a channel snapshot provider by name.
func (p *SnapshotPoller) AddChannel(name string, provider ChannelSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providersMu.Lock()
	p.channels[normalizeLabel(name, "channel")] = provider
	p.providersMu.Unlock()
}

func (p *SnapshotPoller) AddSupervisor(name string, provider SupervisorSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providersMu.Lock()
	p.supervisors[normalizeLabel(name, "supervisor")] = provider
	p.providersMu.Unlock()
}

func (p *SnapshotPoller) AddDistribution(name string, provider DistributionSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providersMu.Lock()
	p.distributions[normalizeLabel(name, "distribution")] = provider
	p.providersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// CollectOnce takes one snapshot of every registered provider.
func (p *SnapshotPoller) CollectOnce() {
	p.providersMu.RLock()
	defer p.providersMu.RUnlock()

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
		p.poolCompleted.WithLabelValues(name).Set(float64(stats.Completed))
		p.poolFailed.WithLabelValues(name).Set(float64(stats.Failed))
	}

	for name, provider := range p.channels {
		stats := provider.Stats()
		pattern := stats.Pattern.String()
		p.channelLen.WithLabelValues(name, pattern).Set(float64(stats.Len))
		p.channelMaxDepth.WithLabelValues(name, pattern).Set(float64(stats.MaxQueueDepth))
		p.channelClosed.WithLabelValues(name, pattern).Set(boolGauge(stats.Closed))
	}

	for name, provider := range p.supervisors {
		stats := provider.Stats()
		policy := stats.Policy.String()
		p.supervisorRestarts.WithLabelValues(name, policy).Set(float64(stats.RestartCount))
		p.supervisorEscalated.WithLabelValues(name, policy).Set(boolGauge(stats.Escalated))
		for _, child := range stats.Children {
			p.childRestarts.WithLabelValues(name, child.Name).Set(float64(child.Restarts))
			p.childFailed.WithLabelValues(name, child.Name).Set(boolGauge(child.Failed))
		}
	}

	for name, provider := range p.distributions {
		stats := provider.Stats()
		schedule := stats.Schedule.String()
		p.distRemaining.WithLabelValues(name, schedule).Set(float64(stats.TotalItems - stats.Dispatched))
		p.distChunks.WithLabelValues(name, schedule).Set(float64(stats.Chunks))
		p.distSteals.WithLabelValues(name, schedule, "attempted").Set(float64(stats.StealAttempts))
		p.distSteals.WithLabelValues(name, schedule, "succeeded").Set(float64(stats.StealSuccesses))
	}
}
