package opportunity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ScannerState is the per-chain scanner's lifecycle state.
type ScannerState int32

const (
	ScannerIdle ScannerState = iota
	ScannerScanning
	ScannerDispatching
	ScannerCooldown
)

func (s ScannerState) String() string {
	switch s {
	case ScannerScanning:
		return "SCANNING"
	case ScannerDispatching:
		return "DISPATCHING"
	case ScannerCooldown:
		return "COOLDOWN"
	default:
		return "IDLE"
	}
}

// Tier buckets a chain's token universe by scan frequency.
type Tier int

const (
	Tier1 Tier = iota // stablecoins, majors: every tick
	Tier2             // popular alts: every 2nd tick
	Tier3             // long-tail: every 5th tick
)

// TierSchedule maps a tier to "scan every Nth tick".
type TierSchedule struct {
	Tier1Every int
	Tier2Every int
	Tier3Every int
}

func defaultTierSchedule() TierSchedule {
	return TierSchedule{Tier1Every: 1, Tier2Every: 2, Tier3Every: 5}
}

// TokenUniverse partitions a chain's tokens across the three tiers.
type TokenUniverse struct {
	Tier1, Tier2, Tier3 []TokenRef
}

// tierSlice returns the tokens due for scanning on tickNumber (1-based).
func (u TokenUniverse) tierSlice(tickNumber int64, sched TierSchedule) []TokenRef {
	var out []TokenRef
	if tickNumber%int64(sched.Tier1Every) == 0 {
		out = append(out, u.Tier1...)
	}
	if tickNumber%int64(sched.Tier2Every) == 0 {
		out = append(out, u.Tier2...)
	}
	if tickNumber%int64(sched.Tier3Every) == 0 {
		out = append(out, u.Tier3...)
	}
	return out
}

// ScannerDeps bundles the shared components one chain's scanner drives
// each tick.
type ScannerDeps struct {
	Routing           *RoutingGraph
	LoanSizer         *LoanSizer
	SafetyGate        *SafetyGate
	IntentBus         *IntentBus
	GasForecaster     *GasForecaster
	Quote             RouteQuoter
	PoolTVLUSD        func(route Route) decimal.Decimal
	LoanTokenPriceUSD func(token TokenRef) decimal.Decimal
	TargetLoanUSD     func(route Route) decimal.Decimal
	GasCeilingWei     *Fixed18
}

// Scanner drives one chain's tick loop: tiered token rotation, parallel
// candidate evaluation with per-route panic isolation, and dispatch to
// SafetyGate/IntentBus. It never dies on a single route's failure or a
// single RPC endpoint outage.
type Scanner struct {
	logger       *logger.Logger
	chain        ChainID
	deps         ScannerDeps
	universe     TokenUniverse
	tierSchedule TierSchedule

	state      atomic.Int32
	tickNumber atomic.Int64

	cooldownThreshold int64
	cooldownSecs      time.Duration

	tickBudget time.Duration

	tickOverruns atomic.Int64

	maxConcurrentRoutes int

	metrics *Metrics

	mu      sync.Mutex
	stopped bool
}

type ScannerConfig struct {
	TierSchedule        TierSchedule
	TickBudget          time.Duration
	CooldownSecs        time.Duration
	CooldownThreshold   int64
	MaxConcurrentRoutes int
	Metrics             *Metrics
}

func NewScanner(log *logger.Logger, chain ChainID, universe TokenUniverse, deps ScannerDeps, cfg ScannerConfig) *Scanner {
	if cfg.TierSchedule == (TierSchedule{}) {
		cfg.TierSchedule = defaultTierSchedule()
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 2 * time.Second
	}
	if cfg.CooldownSecs <= 0 {
		cfg.CooldownSecs = 60 * time.Second
	}
	if cfg.CooldownThreshold <= 0 {
		cfg.CooldownThreshold = 5
	}
	if cfg.MaxConcurrentRoutes <= 0 {
		cfg.MaxConcurrentRoutes = 8
	}
	s := &Scanner{
		logger:              log.Named("scanner").With(zap.Uint32("chain", uint32(chain))),
		chain:               chain,
		deps:                deps,
		universe:            universe,
		tierSchedule:        cfg.TierSchedule,
		cooldownThreshold:   cfg.CooldownThreshold,
		cooldownSecs:        cfg.CooldownSecs,
		tickBudget:          cfg.TickBudget,
		maxConcurrentRoutes: cfg.MaxConcurrentRoutes,
		metrics:             cfg.Metrics,
	}
	s.state.Store(int32(ScannerIdle))
	return s
}

func (s *Scanner) State() ScannerState { return ScannerState(s.state.Load()) }

// Run drives the per-chain tick loop on the given period until ctx is
// cancelled.
func (s *Scanner) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			s.tick(ctx)
		}
	}
}

// Stop marks the scanner to exit on its next tick boundary.
func (s *Scanner) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Scanner) tick(ctx context.Context) {
	if s.State() == ScannerCooldown {
		return
	}

	tickNumber := s.tickNumber.Add(1)
	tickCtx, cancel := context.WithTimeout(ctx, s.tickBudget)
	defer cancel()

	s.state.Store(int32(ScannerScanning))
	tokens := s.universe.tierSlice(tickNumber, s.tierSchedule)

	var candidates []Candidate
	for _, token := range tokens {
		candidates = append(candidates, s.deps.Routing.Candidates(token)...)
	}

	s.state.Store(int32(ScannerDispatching))
	rejections := s.evaluateAndDispatch(tickCtx, candidates)

	if tickCtx.Err() != nil {
		s.tickOverruns.Add(1)
		s.logger.Warn("tick exceeded budget, aborting", zap.Duration("budget", s.tickBudget))
		if s.metrics != nil {
			s.metrics.TickOverrunsTotal.WithLabelValues(chainIDString(s.chain)).Inc()
		}
	}

	if rejections >= s.cooldownThreshold {
		s.enterCooldown(ctx)
		return
	}
	s.state.Store(int32(ScannerIdle))
}

// evaluateAndDispatch fans candidates out through LoanSizer, SafetyGate,
// and IntentBus concurrently, bounded by maxConcurrentRoutes, isolating
// each route's panic via sourcegraph/conc so one bad route never kills
// the tick.
func (s *Scanner) evaluateAndDispatch(ctx context.Context, candidates []Candidate) int64 {
	var rejections atomic.Int64
	p := pool.New().WithMaxGoroutines(s.maxConcurrentRoutes)

	for _, c := range candidates {
		c := c
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("route evaluation panicked, route abandoned", zap.Any("panic", r))
					rejections.Add(1)
				}
			}()
			s.evaluateRoute(ctx, c, &rejections)
		})
	}
	p.Wait()
	return rejections.Load()
}

func (s *Scanner) evaluateRoute(ctx context.Context, c Candidate, rejections *atomic.Int64) {
	if ctx.Err() != nil {
		return
	}
	if !c.Route.Valid() {
		rejections.Add(1)
		return
	}

	loanToken := c.Route.Hops[0].TokenIn
	targetUSD := s.deps.TargetLoanUSD(c.Route)
	poolTVLUSD := s.deps.PoolTVLUSD(c.Route)
	loanTokenPriceUSD := s.deps.LoanTokenPriceUSD(loanToken)

	opp, ok, err := s.deps.LoanSizer.Optimize(ctx, c.Route, targetUSD, poolTVLUSD, loanTokenPriceUSD, s.deps.Quote)
	if err != nil {
		if kind, isKind := KindOf(err); isKind && kind != "" {
			s.logger.Debug("loan sizer aborted", zap.String("kind", string(kind)))
		}
		rejections.Add(1)
		return
	}
	if !ok || opp == nil {
		rejections.Add(1)
		return
	}

	opp.Chain = s.chain
	opp.Fingerprint = computeFingerprint(*opp, uint64(s.deps.Routing.Epoch()))

	forecast, _ := s.deps.GasForecaster.Forecast(s.chain)
	if forecast.WaitAdvisory {
		// Gas is spiking above the window's p75; defer this dispatch and
		// let the next tick re-evaluate at calmer prices.
		s.logger.Debug("gas wait advisory active, deferring dispatch")
		rejections.Add(1)
		return
	}

	admitted, reason := s.deps.SafetyGate.Admit(ctx, opp, s.deps.GasCeilingWei, forecast.PredictedNextWei)
	if !admitted {
		s.logger.Debug("opportunity rejected", zap.String("reason", string(reason)))
		if s.metrics != nil {
			s.metrics.OpportunitiesRejectedTotal.WithLabelValues(chainIDString(s.chain), string(reason)).Inc()
		}
		rejections.Add(1)
		return
	}

	if err := s.deps.IntentBus.Publish(ctx, opp); err != nil {
		s.logger.Error("intent publish failed", zap.Error(err))
		s.deps.SafetyGate.ReleaseInflight(s.chain)
		rejections.Add(1)
		return
	}

	if s.metrics != nil {
		s.metrics.OpportunitiesTotal.WithLabelValues(chainIDString(s.chain)).Inc()
	}
}

func (s *Scanner) enterCooldown(ctx context.Context) {
	s.state.Store(int32(ScannerCooldown))
	s.logger.Info("entering cooldown", zap.Duration("duration", s.cooldownSecs))
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(s.cooldownSecs):
			s.state.Store(int32(ScannerIdle))
		}
	}()
}

// TickOverruns reports the running count of ticks aborted for exceeding
// tick_budget_ms.
func (s *Scanner) TickOverruns() int64 { return s.tickOverruns.Load() }
