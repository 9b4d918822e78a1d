package ledgerclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/domain/ledger"
)

// Probe tracks ledger connectivity by pinging on a fixed interval. It flips
// to unhealthy only after a run of consecutive failures, so a single dropped
// ping does not push the request path into buffering. A single successful
// ping flips it back, and the recovery callback wakes the sync engine.
type Probe struct {
	client    ledger.Client
	interval  time.Duration
	threshold int
	logger    *zap.Logger

	mu        sync.Mutex
	onRecover func()

	healthy  atomic.Bool
	failures int

	stopChan  chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// ProbeConfig holds probe tuning
type ProbeConfig struct {
	// Interval between pings
	Interval time.Duration
	// FailureThreshold is how many consecutive ping failures flip the
	// probe to unhealthy
	FailureThreshold int
}

// NewProbe creates a connectivity probe. onRecover may be nil; when set it
// fires once per unhealthy-to-healthy transition.
func NewProbe(client ledger.Client, cfg ProbeConfig, logger *zap.Logger, onRecover func()) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Probe{
		client:    client,
		interval:  cfg.Interval,
		threshold: cfg.FailureThreshold,
		logger:    logger,
		onRecover: onRecover,
		stopChan:  make(chan struct{}),
	}
	// optimistic until the first ping says otherwise
	p.healthy.Store(true)
	return p
}

// SetOnRecover replaces the recovery callback. It lets a listener that is
// constructed after the probe (the sync engine takes the probe as a
// dependency) register without an unsynchronized closure over a variable
// assigned later.
func (p *Probe) SetOnRecover(fn func()) {
	p.mu.Lock()
	p.onRecover = fn
	p.mu.Unlock()
}

func (p *Probe) recoverCallback() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onRecover
}

// Healthy reports the current connectivity judgment
func (p *Probe) Healthy() bool {
	return p.healthy.Load()
}

// Start launches the background ping loop. The first ping runs immediately
// so a dead ledger is noticed at startup, not one interval later.
func (p *Probe) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.loop()
	})
}

// Stop terminates the ping loop. Safe to call multiple times.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
}

func (p *Probe) loop() {
	defer p.wg.Done()

	p.pingOnce()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.pingOnce()
		}
	}
}

func (p *Probe) pingOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	err := p.client.Ping(ctx)
	if err == nil {
		p.markHealthy()
		return
	}
	p.markFailure(err)
}

func (p *Probe) markHealthy() {
	p.failures = 0
	if p.healthy.CompareAndSwap(false, true) {
		p.logger.Info("ledger connectivity restored")
		if fn := p.recoverCallback(); fn != nil {
			fn()
		}
	}
}

func (p *Probe) markFailure(err error) {
	p.failures++
	if p.failures < p.threshold {
		p.logger.Debug("ledger ping failed",
			zap.Int("consecutive_failures", p.failures),
			zap.Error(err),
		)
		return
	}
	if p.healthy.CompareAndSwap(true, false) {
		p.logger.Warn("ledger judged unreachable, new operations will buffer",
			zap.Int("consecutive_failures", p.failures),
			zap.Error(err),
		)
	}
}

// Ensure Probe implements ledger.HealthProbe
var _ ledger.HealthProbe = (*Probe)(nil)
