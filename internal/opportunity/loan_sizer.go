package opportunity

import (
	"context"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/shopspring/decimal"
)

const (
	defaultTVLShareCap       = 0.20
	loanSizerMaxIterations   = 24
	loanSizerConvergenceFrac = 0.001 // 0.1% of best netProfit
)

// RouteQuoter re-quotes a route end-to-end at a proposed loan amount,
// the callback LoanSizer drives during its binary search. Implementations
// typically fan the route's hops out through DexQuoter and chain the
// resulting amount_out across hops.
type RouteQuoter func(ctx context.Context, route Route, loanAmount *Fixed18) (ProfitInputs, error)

// LoanSizerConfig bounds the search interval.
type LoanSizerConfig struct {
	TVLShareCap float64 // default 0.20
	MinLoanUSD  decimal.Decimal
}

// LoanSizer binary-searches the loan size that maximizes net profit for
// a fixed route without exceeding the route's liquidity or impact
// tolerance.
type LoanSizer struct {
	logger *logger.Logger
	engine *ProfitEngine
	cfg    LoanSizerConfig
}

func NewLoanSizer(log *logger.Logger, engine *ProfitEngine, cfg LoanSizerConfig) *LoanSizer {
	if cfg.TVLShareCap <= 0 {
		cfg.TVLShareCap = defaultTVLShareCap
	}
	return &LoanSizer{logger: log.Named("loan-sizer"), engine: engine, cfg: cfg}
}

// Optimize searches for the loan size in
// [min_loan_usd, min(target_usd, tvl_share_cap*pool_tvl)] that maximizes
// net profit while remaining admissible to ProfitEngine, re-quoting the
// route at each trial size via quote. It returns (nil, false) if no
// feasible size exists.
func (s *LoanSizer) Optimize(ctx context.Context, route Route, targetUSD, poolTVLUSD decimal.Decimal, loanTokenPriceUSD decimal.Decimal, quote RouteQuoter) (*Opportunity, bool, error) {
	if poolTVLUSD.LessThan(s.cfg.MinLoanUSD) {
		return nil, false, newError(KindInsufficientLiquidity, "pool tvl below minimum loan floor", nil)
	}

	tvlCap := decimal.NewFromFloat(s.cfg.TVLShareCap).Mul(poolTVLUSD)
	hi := targetUSD
	if tvlCap.LessThan(hi) {
		hi = tvlCap
	}
	lo := s.cfg.MinLoanUSD
	if hi.LessThan(lo) {
		return nil, false, nil // no feasible size exists in the bounded interval
	}

	loTokens := usdToLoanTokenAmount(lo, loanTokenPriceUSD)
	inputs, err := quote(ctx, route, loTokens)
	if err != nil {
		return nil, false, err
	}
	if inputs.AmountOutEnd == nil || inputs.AmountOutEnd.LT(loTokens) {
		return nil, false, nil // the loop loses money even at minimum size
	}

	var best *Opportunity
	if rep := s.engine.Evaluate(ctx, inputs); rep.Opportunity != nil {
		best = rep.Opportunity
	}

	low, high := lo, hi
	for i := 0; i < loanSizerMaxIterations; i++ {
		mid := low.Add(high).Div(decimal.NewFromInt(2))
		midTokens := usdToLoanTokenAmount(mid, loanTokenPriceUSD)

		report, err := s.quoteAndEvaluate(ctx, route, midTokens, quote)
		if err != nil {
			return nil, false, err
		}

		switch {
		case report.Opportunity != nil:
			if best == nil {
				best = report.Opportunity
				low = mid
				continue
			}
			delta := report.Opportunity.NetProfitUSD.Sub(best.NetProfitUSD).Abs()
			threshold := best.NetProfitUSD.Abs().Mul(decimal.NewFromFloat(loanSizerConvergenceFrac))
			if report.Opportunity.NetProfitUSD.GreaterThan(best.NetProfitUSD) {
				best = report.Opportunity
				low = mid // still improving: probe larger
			} else {
				high = mid // feasible but past the peak: probe smaller
			}
			if delta.LessThanOrEqual(threshold) {
				return best, true, nil
			}
		case report.Reason == KindMinProfitBelowFloor:
			low = mid // too small to clear the fixed costs: probe larger
		default:
			high = mid // impact-capped or drained at this size: probe smaller
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

func (s *LoanSizer) quoteAndEvaluate(ctx context.Context, route Route, loanAmount *Fixed18, quote RouteQuoter) (ProfitReport, error) {
	inputs, err := quote(ctx, route, loanAmount)
	if err != nil {
		return ProfitReport{}, err
	}
	return s.engine.Evaluate(ctx, inputs), nil
}

func usdToLoanTokenAmount(usd decimal.Decimal, tokenPriceUSD decimal.Decimal) *Fixed18 {
	if tokenPriceUSD.IsZero() {
		return ZeroFixed18()
	}
	tokens := usd.Div(tokenPriceUSD)
	return Fixed18FromDecimal(tokens)
}
