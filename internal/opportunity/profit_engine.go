package opportunity

import (
	"context"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxImpactBps  = 500
	defaultMaxTwapDevBps = 500
	defaultMinProfitUSD  = "5"
)

// ProfitInputs bundles everything ProfitEngine.Evaluate needs to cost
// out a candidate route at a proposed loan size, pulled together by the
// caller from DexQuoter/RoutingGraph/GasForecaster/PriceOracle output.
type ProfitInputs struct {
	Route            Route
	Chain            ChainID
	LoanToken        TokenRef
	LoanAmount       *Fixed18
	AmountOutEnd     *Fixed18 // amount of LoanToken recovered at loop close
	PriceImpactBps   uint32
	TwapDeviationBps uint32

	GasUnits          uint64
	GasPriceWei       *Fixed18
	NativePriceUSD    decimal.Decimal
	LoanTokenPriceUSD decimal.Decimal

	Provider     FlashLoanProvider
	BridgeFeeUSD decimal.Decimal
}

// ProfitReport is ProfitEngine's verdict: either a scored, admissible
// Opportunity, or a Kind explaining why the candidate was rejected.
type ProfitReport struct {
	Opportunity *Opportunity
	Rejected    bool
	Reason      Kind
}

// ProfitEngineConfig carries the tunable safety caps.
type ProfitEngineConfig struct {
	MaxImpactBps  uint32
	MaxTwapDevBps uint32
	MinProfitUSD  decimal.Decimal
}

// ProfitEngine turns a costed route into a net-profit verdict, applying
// the five ordered rejection rules before a candidate is ever allowed to
// reach SafetyGate.
type ProfitEngine struct {
	logger *logger.Logger
	cfg    ProfitEngineConfig
}

func NewProfitEngine(log *logger.Logger, cfg ProfitEngineConfig) *ProfitEngine {
	if cfg.MaxImpactBps == 0 {
		cfg.MaxImpactBps = defaultMaxImpactBps
	}
	if cfg.MaxTwapDevBps == 0 {
		cfg.MaxTwapDevBps = defaultMaxTwapDevBps
	}
	if cfg.MinProfitUSD.IsZero() {
		cfg.MinProfitUSD = decimal.RequireFromString(defaultMinProfitUSD)
	}
	return &ProfitEngine{logger: log.Named("profit-engine"), cfg: cfg}
}

// Evaluate applies the profit formula and the five ordered rejection
// rules. ctx is accepted for symmetry with the other components but
// Evaluate itself never blocks; all of its inputs are precomputed.
func (p *ProfitEngine) Evaluate(_ context.Context, in ProfitInputs) ProfitReport {
	if in.AmountOutEnd == nil || in.AmountOutEnd.IsZero() {
		return ProfitReport{Rejected: true, Reason: KindPoolDrained}
	}

	grossSpreadWei := in.AmountOutEnd.Sub(in.LoanAmount)
	if grossSpreadWei.Sign() <= 0 {
		return ProfitReport{Rejected: true, Reason: KindMinProfitBelowFloor}
	}

	if in.PriceImpactBps > p.cfg.MaxImpactBps {
		return ProfitReport{Rejected: true, Reason: KindPriceImpactTooHigh}
	}
	if in.TwapDeviationBps > p.cfg.MaxTwapDevBps {
		return ProfitReport{Rejected: true, Reason: KindTwapDeviationTooHigh}
	}

	grossSpreadUSD := grossSpreadWei.ToDecimal().Mul(in.LoanTokenPriceUSD)

	gasCostUSD := decimal.NewFromInt(int64(in.GasUnits)).
		Mul(in.GasPriceWei.ToDecimal()).
		Mul(in.NativePriceUSD)

	flashFeeRateBps := ProviderRateBps(in.Provider)
	flashFeeUSD := in.LoanAmount.ToDecimal().
		Mul(in.LoanTokenPriceUSD).
		Mul(decimal.NewFromInt(flashFeeRateBps)).
		Div(decimal.NewFromInt(10_000))

	bridgeFeeUSD := in.BridgeFeeUSD
	if bridgeFeeUSD.IsZero() {
		bridgeFeeUSD = decimal.Zero
	}

	netProfitUSD := grossSpreadUSD.Sub(gasCostUSD).Sub(flashFeeUSD).Sub(bridgeFeeUSD)

	if netProfitUSD.LessThan(p.cfg.MinProfitUSD) {
		return ProfitReport{Rejected: true, Reason: KindMinProfitBelowFloor}
	}

	impactFactor := decimal.NewFromInt(1).Sub(
		decimal.NewFromInt(int64(in.PriceImpactBps)).Div(decimal.NewFromInt(10_000)),
	)
	score := netProfitUSD.Mul(impactFactor)

	opp := &Opportunity{
		Route:            in.Route,
		Chain:            in.Chain,
		LoanToken:        in.LoanToken,
		LoanAmount:       in.LoanAmount,
		ExpectedOut:      in.AmountOutEnd,
		GrossProfitUSD:   grossSpreadUSD,
		GasCostUSD:       gasCostUSD,
		FlashFeeUSD:      flashFeeUSD,
		BridgeFeeUSD:     bridgeFeeUSD,
		NetProfitUSD:     netProfitUSD,
		PriceImpactBps:   in.PriceImpactBps,
		TwapDeviationBps: in.TwapDeviationBps,
		Score:            score,
		GeneratedAt:      time.Now(),
	}

	return ProfitReport{Opportunity: opp}
}
