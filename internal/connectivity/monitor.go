// Package connectivity detects network transitions and turns them into
// sync triggers.
//
// Connectivity is sampled by probing the remote health endpoint on an
// interval; "online" means the last probe succeeded, nothing more. An
// offline-to-online transition fires the OnOnline callback, which is how
// sync attempts start without user interaction.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Probe reports whether the remote endpoint is reachable right now.
type Probe func(ctx context.Context) bool

// Config holds monitor settings.
type Config struct {
	// Probe is the reachability check. Required.
	Probe Probe

	// Interval between probes while online.
	Interval time.Duration

	// OfflineInterval between probes while offline. A shorter interval
	// here picks up restored connectivity faster in flaky coverage.
	OfflineInterval time.Duration

	// OnOnline fires on every offline-to-online transition, and once at
	// startup if the first probe succeeds.
	OnOnline func()

	// OnOffline fires on every online-to-offline transition.
	OnOffline func()

	// Logger for transition events. Nil gets a stderr default.
	Logger *log.Logger
}

// DefaultConfig returns monitor settings suitable for field use.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		OfflineInterval: 10 * time.Second,
	}
}

// Monitor polls the probe and tracks the online flag.
type Monitor struct {
	cfg    Config
	logger *log.Logger

	online atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a connectivity monitor. Call Start to begin probing.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OfflineInterval <= 0 {
		cfg.OfflineInterval = cfg.Interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// IsOnline reports the result of the most recent probe. Before the first
// probe completes this is false: the data layer starts pessimistic.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Start begins background probing. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.loop()
	m.logger.Printf("Connectivity monitor started (interval=%s offline=%s)",
		m.cfg.Interval, m.cfg.OfflineInterval)
}

// Stop halts probing and waits for the loop to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Printf("Connectivity monitor stopped")
}

// CheckNow runs one probe immediately, outside the loop cadence, and
// applies any transition. Useful right before a manual sync.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	return m.sample(ctx)
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	// Probe once at startup so the first state is real, not assumed.
	m.sample(m.ctx)

	for {
		interval := m.cfg.Interval
		if !m.online.Load() {
			interval = m.cfg.OfflineInterval
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(interval):
			m.sample(m.ctx)
		}
	}
}

// sample runs one probe and fires the transition callbacks.
func (m *Monitor) sample(ctx context.Context) bool {
	now := m.cfg.Probe(ctx)
	was := m.online.Swap(now)
	if now == was {
		return now
	}

	if now {
		m.logger.Printf("Connectivity restored")
		if m.cfg.OnOnline != nil {
			m.cfg.OnOnline()
		}
	} else {
		m.logger.Printf("Connectivity lost")
		if m.cfg.OnOffline != nil {
			m.cfg.OnOffline()
		}
	}
	return now
}
