package runtime

import (
	"log"
	"os"
	"time"
)

// Sweeper drives Registry.Sweep on a fixed cadence, independent of
// ingress load. It ignores request-scoped cancellation and stops only
// at broker shutdown.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	stopCh   chan struct{}
	logger   *log.Logger
}

// NewSweeper starts the background sweep loop.
func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Sweeper{
		registry: registry,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.New(os.Stdout, "[Sweeper] ", log.LstdFlags),
	}
	go s.run()
	return s
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("started (interval=%s stale_after=%s dead_after=%s)",
		s.interval, s.registry.staleAfter, s.registry.deadAfter)

	for {
		select {
		case <-ticker.C:
			s.registry.Sweep()
		case <-s.stopCh:
			s.logger.Printf("stopped")
			return
		}
	}
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}
