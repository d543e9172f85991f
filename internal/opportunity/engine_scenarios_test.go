package opportunity

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// reservesByPool serves getReserves for a fixed set of v2 pools, keyed by
// pool address, standing in for a live RPC endpoint.
type reservesByPool struct {
	t        *testing.T
	reserves map[common.Address][2]*big.Int
}

func (r *reservesByPool) CallContract(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	res, ok := r.reserves[to]
	require.True(r.t, ok, "unexpected pool call")
	return packReserves(r.t, res[0], res[1]), nil
}

func scale18(whole int64) *big.Int {
	v := big.NewInt(whole)
	return v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// The two-pool v2 loop: borrow 10,000 USDC, swap through a USDC/WMATIC
// pool (1M/2M) and a WMATIC/USDC pool (2M/1.1M), and land back in USDC
// with a positive spread. The whole chain from quoter through profit
// math, admission and dispatch runs against stubbed reserves.
func TestScenario_V2LoopQuotedEvaluatedAndDispatched(t *testing.T) {
	usdc := TokenRef{Token: 1, Chain: 137}
	wmatic := TokenRef{Token: 2, Chain: 137}
	pool1Addr := common.Address{0xa1}
	pool2Addr := common.Address{0xa2}

	caller := &reservesByPool{t: t, reserves: map[common.Address][2]*big.Int{
		pool1Addr: {scale18(1_000_000), scale18(2_000_000)},
		pool2Addr: {scale18(2_000_000), scale18(1_100_000)},
	}}

	quoter := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	quoter.RegisterChain(137, caller)

	pool1 := PoolEntry{Chain: 137, Protocol: ProtocolV2, Address: pool1Addr, Token0: usdc, Token1: wmatic}
	pool2 := PoolEntry{Chain: 137, Protocol: ProtocolV2, Address: pool2Addr, Token0: wmatic, Token1: usdc}

	loan := NewFixed18FromInt64(10_000)
	ctx := context.Background()

	out1 := quoter.QuoteBatch(ctx, []QuoteRequest{{Chain: 137, Pool: pool1, TokenIn: usdc, AmountIn: loan}})
	require.NoError(t, out1[0].Err)
	out2 := quoter.QuoteBatch(ctx, []QuoteRequest{{Chain: 137, Pool: pool2, TokenIn: wmatic, AmountIn: out1[0].Quote.AmountOut}})
	require.NoError(t, out2[0].Err)

	route := Route{Hops: []Hop{
		{Protocol: ProtocolV2, PoolOrBridge: pool1Addr, TokenIn: usdc, TokenOut: wmatic},
		{Protocol: ProtocolV2, PoolOrBridge: pool2Addr, TokenIn: wmatic, TokenOut: usdc},
	}}
	require.True(t, route.Valid())

	// Impact comes straight from the reserve-implied spot on each hop;
	// ~1% pool consumption per hop lands well under the 500 bps cap.
	totalImpact := out1[0].Quote.PriceImpactBps + out2[0].Quote.PriceImpactBps
	assert.Greater(t, totalImpact, uint32(100))
	assert.Less(t, totalImpact, uint32(500))

	engine := newTestProfitEngine(ProfitEngineConfig{MinProfitUSD: decimal.NewFromInt(5)})
	report := engine.Evaluate(ctx, ProfitInputs{
		Route:             route,
		Chain:             137,
		LoanToken:         usdc,
		LoanAmount:        loan,
		AmountOutEnd:      out2[0].Quote.AmountOut,
		PriceImpactBps:    totalImpact,
		TwapDeviationBps:  40,
		GasUnits:          300_000,
		GasPriceWei:       NewFixed18FromWei(big.NewInt(30_000_000_000)), // 30 gwei
		NativePriceUSD:    decimal.RequireFromString("0.70"),
		LoanTokenPriceUSD: decimal.NewFromInt(1),
		Provider:          FlashLoanAave,
	})
	require.False(t, report.Rejected)
	require.NotNil(t, report.Opportunity)

	net, _ := report.Opportunity.NetProfitUSD.Float64()
	assert.Greater(t, net, 700.0) // ~720 USD spread less the 9 bps flash fee and sub-cent gas
	assert.Less(t, net, 725.0)
	assert.True(t, report.Opportunity.NetProfitConsistent())

	opp := report.Opportunity
	opp.Fingerprint = computeFingerprint(*opp, 1)
	assert.False(t, opp.Fingerprint.IsZero())

	gate := NewSafetyGate(logger.New("test"), SafetyGateConfig{}, engine, nil, nil)
	admitted, reason := gate.Admit(ctx, opp, nil, nil)
	require.True(t, admitted, "unexpected rejection: %s", reason)

	producer := &mockProducer{}
	producer.On("ProduceJSON", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	dir := t.TempDir()
	bus := NewIntentBus(logger.New("test"), producer, IntentBusConfig{SpoolDir: dir})
	require.NoError(t, bus.Publish(ctx, opp))
	producer.AssertExpectations(t)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries) // healthy primary: nothing spooled
}

// The same loop is blocked outright when the DEX spot has run 5000 bps
// away from the trailing TWAP, long before admission or dispatch.
func TestScenario_TwapManipulationBlocksDispatch(t *testing.T) {
	usdc := TokenRef{Token: 1, Chain: 137}
	wmatic := TokenRef{Token: 2, Chain: 137}
	route := Route{Hops: []Hop{
		{Protocol: ProtocolV2, PoolOrBridge: common.Address{0xa1}, TokenIn: usdc, TokenOut: wmatic},
		{Protocol: ProtocolV2, PoolOrBridge: common.Address{0xa2}, TokenIn: wmatic, TokenOut: usdc},
	}}

	engine := newTestProfitEngine(ProfitEngineConfig{MinProfitUSD: decimal.NewFromInt(5)})
	report := engine.Evaluate(context.Background(), ProfitInputs{
		Route:             route,
		Chain:             137,
		LoanToken:         usdc,
		LoanAmount:        NewFixed18FromInt64(10_000),
		AmountOutEnd:      NewFixed18FromInt64(10_700),
		PriceImpactBps:    100,
		TwapDeviationBps:  5000, // spot 0.00075 vs twap 0.00050
		GasUnits:          300_000,
		GasPriceWei:       NewFixed18FromWei(big.NewInt(30_000_000_000)),
		NativePriceUSD:    decimal.RequireFromString("0.70"),
		LoanTokenPriceUSD: decimal.NewFromInt(1),
		Provider:          FlashLoanAave,
	})

	assert.True(t, report.Rejected)
	assert.Equal(t, KindTwapDeviationTooHigh, report.Reason)
	assert.Nil(t, report.Opportunity)
}

// TWAP deviation sourced from the accumulator itself: five in-window
// samples around 0.00050 against a 0.00075 spot resolve to ~5000 bps.
func TestScenario_DeviationBpsFromAccumulatedSamples(t *testing.T) {
	twap := NewTwapAccumulator(logger.New("test"), 10, time.Minute)
	pair := TokenPair{
		Base:  TokenRef{Token: 2, Chain: 137},
		Quote: TokenRef{Token: 0, Chain: 137},
	}
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, twap.Observe(pair, Fixed18FromDecimal(decimal.RequireFromString("0.00050")), base.Add(time.Duration(i)*time.Second)))
	}

	oracle := NewPriceOracle(logger.New("test"), PriceOracleConfig{TwapWindow: twap})
	bps, err := oracle.DeviationBps(context.Background(), 2, 137, decimal.RequireFromString("0.00075"))
	require.NoError(t, err)
	assert.InDelta(t, 5000, int(bps), 1)
}
