package session

import (
	"log"
	"sync"
	"time"
)

const (
	defaultHealthGrace = 10 * time.Second
	defaultHealthTick  = 5 * time.Second
)

// MonitorConfig configures one activity monitor.
type MonitorConfig struct {
	Grace    time.Duration // quiet period after Active before checks begin
	Interval time.Duration // check cadence
	Check    func() error  // nil = healthy
	OnDead   func(reason error)
}

// Monitor watches a live session and reports when everything it depends on
// is gone.  It gives negotiation a grace period first — links legitimately
// spend the first seconds of a call in connecting states.
type Monitor struct {
	cfg  MonitorConfig
	stop chan struct{}
	once sync.Once
}

// NewMonitor builds a monitor; Start begins checking.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultHealthGrace
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthTick
	}
	return &Monitor{cfg: cfg, stop: make(chan struct{})}
}

// Start launches the check loop.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	select {
	case <-m.stop:
		return
	case <-time.After(m.cfg.Grace):
	}

	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			if err := m.cfg.Check(); err != nil {
				log.Printf("MONITOR: call unhealthy: %v", err)
				if m.cfg.OnDead != nil {
					m.cfg.OnDead(err)
				}
				return
			}
		}
	}
}

// Stop halts checking.  Idempotent.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}
