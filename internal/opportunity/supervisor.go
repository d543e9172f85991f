package opportunity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"go.uber.org/zap"
)

const defaultShutdownGraceSecs = 30

// EngineSupervisor owns the set of per-chain scanners and the shared
// components they all drive (PriceOracle, TwapAccumulator, DexQuoter,
// GasForecaster, RoutingGraph, SafetyGate, IntentBus), coordinates
// graceful shutdown, and keeps a config version counter (see
// ReloadConfig).
type EngineSupervisor struct {
	logger *logger.Logger

	mu       sync.RWMutex
	scanners map[ChainID]*Scanner

	priceOracle   *PriceOracle
	twap          *TwapAccumulator
	quoter        *DexQuoter
	gasForecaster *GasForecaster
	safetyGate    *SafetyGate
	intentBus     *IntentBus

	configVersion atomic.Uint64

	shutdownGrace time.Duration

	cancel context.CancelFunc
	runWg  sync.WaitGroup
}

type SupervisorDeps struct {
	PriceOracle   *PriceOracle
	Twap          *TwapAccumulator
	Quoter        *DexQuoter
	GasForecaster *GasForecaster
	SafetyGate    *SafetyGate
	IntentBus     *IntentBus
	ShutdownGrace time.Duration
}

func NewEngineSupervisor(log *logger.Logger, deps SupervisorDeps) *EngineSupervisor {
	if deps.ShutdownGrace <= 0 {
		deps.ShutdownGrace = defaultShutdownGraceSecs * time.Second
	}
	s := &EngineSupervisor{
		logger:        log.Named("supervisor"),
		scanners:      make(map[ChainID]*Scanner),
		priceOracle:   deps.PriceOracle,
		twap:          deps.Twap,
		quoter:        deps.Quoter,
		gasForecaster: deps.GasForecaster,
		safetyGate:    deps.SafetyGate,
		intentBus:     deps.IntentBus,
		shutdownGrace: deps.ShutdownGrace,
	}
	s.configVersion.Store(1)
	return s
}

// RegisterScanner attaches a chain's scanner; scanners are started
// together by Start.
func (s *EngineSupervisor) RegisterScanner(chain ChainID, scanner *Scanner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanners[chain] = scanner
}

// Start begins every registered scanner's tick loop on its configured
// period, each isolated so one chain's fatal error never takes down the
// others.
func (s *EngineSupervisor) Start(ctx context.Context, periods map[ChainID]time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.RLock()
	defer s.mu.RUnlock()
	for chain, scanner := range s.scanners {
		period, ok := periods[chain]
		if !ok {
			period = 3 * time.Second
		}
		s.runWg.Add(1)
		go func(chain ChainID, sc *Scanner, period time.Duration) {
			defer s.runWg.Done()
			defer s.recoverScanner(chain)
			sc.Run(ctx, period)
		}(chain, scanner, period)
	}

	if s.gasForecaster != nil {
		s.gasForecaster.Run(ctx, 3*time.Second)
	}
}

// recoverScanner converts a panic escaping a scanner's own goroutine
// into a logged fatal event rather than crashing the process; the other
// scanners keep running.
func (s *EngineSupervisor) recoverScanner(chain ChainID) {
	if r := recover(); r != nil {
		s.logger.Error("scanner terminated by fatal error", zap.Uint32("chain", uint32(chain)), zap.Any("panic", r))
	}
}

// Shutdown stops accepting new ticks, waits up to shutdownGrace for
// inflight evaluations to drain, then returns. It does not forcibly
// cancel scanners until the grace period elapses.
func (s *EngineSupervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, scanner := range s.scanners {
		scanner.Stop()
	}
	s.mu.RUnlock()

	drained := make(chan struct{})
	go func() {
		s.runWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info("all scanners drained cleanly")
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("shutdown grace period elapsed, forcing cancellation")
		if s.cancel != nil {
			s.cancel()
		}
		<-drained
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		<-drained
		return ctx.Err()
	}

	if s.gasForecaster != nil {
		s.gasForecaster.Stop()
	}
	return nil
}

// ConfigVersion returns the currently active config version.
func (s *EngineSupervisor) ConfigVersion() uint64 { return s.configVersion.Load() }

// ReloadConfig bumps the config version and returns the new value.
// Scanners do not read the version, so a reload does not change any
// running scanner's settings.
func (s *EngineSupervisor) ReloadConfig() uint64 {
	return s.configVersion.Add(1)
}
