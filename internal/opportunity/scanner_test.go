package opportunity

import (
	"context"
	"testing"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func closedLoopRoute() Route {
	a, b, c := TokenRef{Token: 1, Chain: 1}, TokenRef{Token: 2, Chain: 1}, TokenRef{Token: 3, Chain: 1}
	return Route{Hops: []Hop{
		{TokenIn: a, TokenOut: b},
		{TokenIn: b, TokenOut: c},
		{TokenIn: c, TokenOut: a},
	}}
}

func passthroughQuoter() RouteQuoter {
	return func(_ context.Context, route Route, loanAmount *Fixed18) (ProfitInputs, error) {
		return ProfitInputs{
			Route:             route,
			Chain:             1,
			LoanToken:         route.Hops[0].TokenIn,
			LoanAmount:        loanAmount,
			AmountOutEnd:      loanAmount.MulRat(10_100, 10_000),
			PriceImpactBps:    10,
			TwapDeviationBps:  10,
			GasUnits:          50_000,
			GasPriceWei:       ZeroFixed18(),
			NativePriceUSD:    decimal.NewFromInt(2000),
			LoanTokenPriceUSD: decimal.NewFromInt(1),
			Provider:          FlashLoanBalancer,
		}, nil
	}
}

func newTestScanner(t *testing.T, deps ScannerDeps, cfg ScannerConfig, universe TokenUniverse) *Scanner {
	t.Helper()
	return NewScanner(logger.New("test"), ChainID(1), universe, deps, cfg)
}

func baseScannerDeps(t *testing.T) ScannerDeps {
	t.Helper()
	engine := newTestProfitEngine(ProfitEngineConfig{MinProfitUSD: decimal.NewFromInt(1)})
	sizer := NewLoanSizer(logger.New("test"), engine, LoanSizerConfig{TVLShareCap: 1.0, MinLoanUSD: decimal.NewFromInt(10)})
	gate := NewSafetyGate(logger.New("test"), SafetyGateConfig{MaxConcurrentIntentsPerChain: 10}, engine, nil, nil)
	bus := NewIntentBus(logger.New("test"), &mockProducer{}, IntentBusConfig{SpoolDir: t.TempDir()})
	bus.producer.(*mockProducer).On("ProduceJSON", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	forecaster := NewGasForecaster(logger.New("test"), 8)
	routing := NewRoutingGraph(logger.New("test"), 10)

	return ScannerDeps{
		Routing:           routing,
		LoanSizer:         sizer,
		SafetyGate:        gate,
		IntentBus:         bus,
		GasForecaster:     forecaster,
		Quote:             passthroughQuoter(),
		PoolTVLUSD:        func(Route) decimal.Decimal { return decimal.NewFromInt(100_000) },
		LoanTokenPriceUSD: func(TokenRef) decimal.Decimal { return decimal.NewFromInt(1) },
		TargetLoanUSD:     func(Route) decimal.Decimal { return decimal.NewFromInt(1_000) },
	}
}

func TestTokenUniverse_TierSliceRespectsSchedule(t *testing.T) {
	universe := TokenUniverse{
		Tier1: []TokenRef{{Token: 1}},
		Tier2: []TokenRef{{Token: 2}},
		Tier3: []TokenRef{{Token: 3}},
	}
	sched := TierSchedule{Tier1Every: 1, Tier2Every: 2, Tier3Every: 5}

	assert.ElementsMatch(t, []TokenRef{{Token: 1}}, universe.tierSlice(1, sched))
	assert.ElementsMatch(t, []TokenRef{{Token: 1}, {Token: 2}}, universe.tierSlice(2, sched))
	assert.ElementsMatch(t, []TokenRef{{Token: 1}, {Token: 2}, {Token: 3}}, universe.tierSlice(10, sched))
}

func TestScanner_NewScannerDefaultsIdle(t *testing.T) {
	s := newTestScanner(t, baseScannerDeps(t), ScannerConfig{}, TokenUniverse{})
	assert.Equal(t, ScannerIdle, s.State())
}

func TestScanner_TickEndsIdleWhenBelowCooldownThreshold(t *testing.T) {
	deps := baseScannerDeps(t)
	loop := closedLoopRoute()
	deps.Routing.Refresh([]QuoteEdge{
		{From: loop.Hops[0].TokenIn, To: loop.Hops[0].TokenOut, Hop: loop.Hops[0], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
		{From: loop.Hops[1].TokenIn, To: loop.Hops[1].TokenOut, Hop: loop.Hops[1], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
		{From: loop.Hops[2].TokenIn, To: loop.Hops[2].TokenOut, Hop: loop.Hops[2], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
	})

	universe := TokenUniverse{Tier1: []TokenRef{loop.Hops[0].TokenIn}}
	s := newTestScanner(t, deps, ScannerConfig{CooldownThreshold: 5}, universe)

	s.tick(context.Background())
	assert.Equal(t, ScannerIdle, s.State())
}

func TestScanner_EntersCooldownAfterRepeatedRejections(t *testing.T) {
	deps := baseScannerDeps(t)
	deps.PoolTVLUSD = func(Route) decimal.Decimal { return decimal.Zero } // trips KindInsufficientLiquidity every time

	loop := closedLoopRoute()
	deps.Routing.Refresh([]QuoteEdge{
		{From: loop.Hops[0].TokenIn, To: loop.Hops[0].TokenOut, Hop: loop.Hops[0], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
		{From: loop.Hops[1].TokenIn, To: loop.Hops[1].TokenOut, Hop: loop.Hops[1], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
		{From: loop.Hops[2].TokenIn, To: loop.Hops[2].TokenOut, Hop: loop.Hops[2], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
	})

	universe := TokenUniverse{Tier1: []TokenRef{loop.Hops[0].TokenIn}}
	s := newTestScanner(t, deps, ScannerConfig{CooldownThreshold: 1, CooldownSecs: time.Hour}, universe)

	s.tick(context.Background())
	assert.Equal(t, ScannerCooldown, s.State())
}

func TestScanner_SkipsTickWhileInCooldown(t *testing.T) {
	deps := baseScannerDeps(t)
	s := newTestScanner(t, deps, ScannerConfig{}, TokenUniverse{})
	s.state.Store(int32(ScannerCooldown))

	before := s.tickNumber.Load()
	s.tick(context.Background())
	assert.Equal(t, before, s.tickNumber.Load()) // tick() returns immediately without incrementing
}

func TestScanner_TickOverrunIncrementsCounterOnBudgetExceeded(t *testing.T) {
	deps := baseScannerDeps(t)
	deps.PoolTVLUSD = func(Route) decimal.Decimal {
		time.Sleep(20 * time.Millisecond)
		return decimal.NewFromInt(100_000)
	}

	loop := closedLoopRoute()
	deps.Routing.Refresh([]QuoteEdge{
		{From: loop.Hops[0].TokenIn, To: loop.Hops[0].TokenOut, Hop: loop.Hops[0], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
		{From: loop.Hops[1].TokenIn, To: loop.Hops[1].TokenOut, Hop: loop.Hops[1], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
		{From: loop.Hops[2].TokenIn, To: loop.Hops[2].TokenOut, Hop: loop.Hops[2], Chain: 1, PriceRatio: 1.01, GasWei: NewFixed18FromInt64(1), LiquidityUSD: 100_000},
	})

	universe := TokenUniverse{Tier1: []TokenRef{loop.Hops[0].TokenIn}}
	s := newTestScanner(t, deps, ScannerConfig{TickBudget: time.Millisecond, CooldownThreshold: 1000}, universe)

	s.tick(context.Background())
	assert.Equal(t, int64(1), s.TickOverruns())
}

func TestScanner_EvaluateAndDispatchIsolatesPanickingRoute(t *testing.T) {
	deps := baseScannerDeps(t)
	panicToken := TokenRef{Token: 99, Chain: 1}
	deps.PoolTVLUSD = func(route Route) decimal.Decimal {
		if route.Hops[0].TokenIn == panicToken {
			panic("simulated pool lookup failure")
		}
		return decimal.NewFromInt(100_000)
	}

	s := newTestScanner(t, deps, ScannerConfig{MaxConcurrentRoutes: 4}, TokenUniverse{})

	panicking := Candidate{Route: Route{Hops: []Hop{
		{TokenIn: panicToken, TokenOut: TokenRef{Token: 2, Chain: 1}},
		{TokenIn: TokenRef{Token: 2, Chain: 1}, TokenOut: panicToken},
	}}, Hops: 2}
	healthy := Candidate{Route: closedLoopRoute(), Hops: 3}

	rejections := s.evaluateAndDispatch(context.Background(), []Candidate{panicking, healthy})

	assert.Equal(t, int64(1), rejections) // only the panicking route counts as rejected
}
