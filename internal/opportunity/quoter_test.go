package opportunity

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packReserves(t *testing.T, reserve0, reserve1 *big.Int) []byte {
	t.Helper()
	out, err := v2PairABI.Methods["getReserves"].Outputs.Pack(reserve0, reserve1, uint32(0))
	require.NoError(t, err)
	return out
}

func packV3AmountOut(t *testing.T, amountOut *big.Int) []byte {
	t.Helper()
	out, err := v3QuoterABI.Methods["quoteExactInputSingle"].Outputs.Pack(amountOut)
	require.NoError(t, err)
	return out
}

func packStableAmountOut(t *testing.T, method string, amountOut *big.Int) []byte {
	t.Helper()
	out, err := stablePoolABI.Methods[method].Outputs.Pack(amountOut)
	require.NoError(t, err)
	return out
}

type stubCaller struct {
	calls int
	fn    func(calls int) ([]byte, error)
}

func (s *stubCaller) CallContract(_ context.Context, _ common.Address, _ []byte) ([]byte, error) {
	s.calls++
	return s.fn(s.calls)
}

func v2Pool(tokenIn, tokenOut TokenRef) PoolEntry {
	return PoolEntry{Chain: 1, Protocol: ProtocolV2, Address: common.Address{1}, Token0: tokenIn, Token1: tokenOut}
}

func TestConstantProductOut_AppliesFeeAndConservesK(t *testing.T) {
	amountIn := big.NewInt(1_000)
	reserveIn := big.NewInt(1_000_000)
	reserveOut := big.NewInt(2_000_000)

	noFee := constantProductOut(amountIn, reserveIn, reserveOut, 0)
	withFee := constantProductOut(amountIn, reserveIn, reserveOut, v2ProtocolFeeBps)
	assert.True(t, withFee.Sign() > 0)
	assert.True(t, withFee.Cmp(noFee) < 0) // the fee strictly reduces output relative to a fee-free swap
}

func TestConstantProductOut_ZeroReservesYieldsZero(t *testing.T) {
	out := constantProductOut(big.NewInt(100), big.NewInt(0), big.NewInt(0), v2ProtocolFeeBps)
	assert.Equal(t, int64(0), out.Int64())
}

func TestOtherToken_ReturnsTheCounterpart(t *testing.T) {
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	pool := v2Pool(a, b)
	assert.Equal(t, b, otherToken(pool, a))
	assert.Equal(t, a, otherToken(pool, b))
}

func TestDexQuoter_QuoteV2_SuccessfulReserveRead(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	caller := &stubCaller{fn: func(int) ([]byte, error) {
		return packReserves(t, NewFixed18FromInt64(1_000_000).Wei(), NewFixed18FromInt64(2_000_000).Wei()), nil
	}}
	q.RegisterChain(1, caller)

	results := q.QuoteBatch(context.Background(), []QuoteRequest{{
		Chain: 1, Pool: v2Pool(a, b), TokenIn: a, AmountIn: NewFixed18FromInt64(100),
	}})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Quote.AmountOut.Sign() > 0)
	assert.Equal(t, b, results[0].Quote.TokenOut)
	// A 100-token swap into a 1M-reserve pool: the 30 bps fee dominates
	// the reserve-implied impact.
	assert.Greater(t, results[0].Quote.PriceImpactBps, uint32(20))
	assert.Less(t, results[0].Quote.PriceImpactBps, uint32(50))
}

func TestPriceImpactBps_ExecutionBelowSpot(t *testing.T) {
	// Execution rate half the reference rate: 5000 bps of impact.
	impact := priceImpactBps(big.NewInt(100), big.NewInt(100), big.NewInt(100), big.NewInt(200))
	assert.Equal(t, uint32(5000), impact)

	// Execution at or above the reference rate reports no impact.
	assert.Equal(t, uint32(0), priceImpactBps(big.NewInt(100), big.NewInt(200), big.NewInt(100), big.NewInt(200)))
	assert.Equal(t, uint32(0), priceImpactBps(big.NewInt(100), big.NewInt(300), big.NewInt(100), big.NewInt(200)))
}

func TestDexQuoter_PoolReservesReadsV2Pair(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	caller := &stubCaller{fn: func(int) ([]byte, error) {
		return packReserves(t, big.NewInt(111), big.NewInt(222)), nil
	}}
	q.RegisterChain(1, caller)

	r0, r1, err := q.PoolReserves(context.Background(), 1, v2Pool(a, b))
	require.NoError(t, err)
	assert.Equal(t, int64(111), r0.Int64())
	assert.Equal(t, int64(222), r1.Int64())

	stable := PoolEntry{Chain: 1, Protocol: ProtocolStable, Token0: a, Token1: b}
	_, _, err = q.PoolReserves(context.Background(), 1, stable)
	require.Error(t, err)
}

func TestDexQuoter_QuoteV2_ZeroReservesIsPoolDrained(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	caller := &stubCaller{fn: func(int) ([]byte, error) {
		return packReserves(t, big.NewInt(0), big.NewInt(2_000_000)), nil
	}}
	q.RegisterChain(1, caller)

	results := q.QuoteBatch(context.Background(), []QuoteRequest{{
		Chain: 1, Pool: v2Pool(a, b), TokenIn: a, AmountIn: NewFixed18FromInt64(100),
	}})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	kind, ok := KindOf(results[0].Err)
	require.True(t, ok)
	assert.Equal(t, KindPoolDrained, kind)
}

func TestDexQuoter_QuoteV3_RetriesFeeTiersUntilSuccess(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	caller := &stubCaller{fn: func(calls int) ([]byte, error) {
		if calls < len(v3FeeTiers) {
			return nil, errors.New("reverted")
		}
		return packV3AmountOut(t, big.NewInt(12_345)), nil
	}}
	q.RegisterChain(1, caller)

	pool := PoolEntry{Chain: 1, Protocol: ProtocolV3, Token0: a, Token1: b}
	results := q.QuoteBatch(context.Background(), []QuoteRequest{{
		Chain: 1, Pool: pool, TokenIn: a, AmountIn: NewFixed18FromInt64(100), QuoterAddr: common.Address{9},
	}})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, v3FeeTiers[len(v3FeeTiers)-1]/100, results[0].Quote.FeeBps)
	// Two tier reverts, one success, plus the 1% impact probe.
	assert.Equal(t, len(v3FeeTiers)+1, caller.calls)
	// The stub returns the same output for the 1% probe, so the probe
	// rate is 100x the execution rate: 9900 bps of measured impact.
	assert.Equal(t, uint32(9900), results[0].Quote.PriceImpactBps)
}

func TestDexQuoter_QuoteV3_ExhaustsAllTiersReturnsError(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	caller := &stubCaller{fn: func(int) ([]byte, error) { return nil, errors.New("reverted") }}
	q.RegisterChain(1, caller)

	pool := PoolEntry{Chain: 1, Protocol: ProtocolV3, Token0: a, Token1: b}
	results := q.QuoteBatch(context.Background(), []QuoteRequest{{
		Chain: 1, Pool: pool, TokenIn: a, AmountIn: NewFixed18FromInt64(100), QuoterAddr: common.Address{9},
	}})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Equal(t, len(v3FeeTiers), caller.calls)
}

func TestDexQuoter_QuoteStable_FallsBackToUnderlyingOnRevert(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	caller := &stubCaller{fn: func(calls int) ([]byte, error) {
		if calls == 1 {
			return nil, errors.New("get_dy reverted")
		}
		return packStableAmountOut(t, "get_dy_underlying", big.NewInt(987)), nil
	}}
	q.RegisterChain(1, caller)

	pool := PoolEntry{Chain: 1, Protocol: ProtocolStable, Token0: a, Token1: b}
	results := q.QuoteBatch(context.Background(), []QuoteRequest{{
		Chain: 1, Pool: pool, TokenIn: a, AmountIn: NewFixed18FromInt64(100),
	}})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(987), results[0].Quote.AmountOut.Wei().Int64())
	// get_dy revert, get_dy_underlying success, then the impact probe.
	assert.Equal(t, 3, caller.calls)
}

func TestDexQuoter_UnregisteredChainReturnsRPCTimeout(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}

	results := q.QuoteBatch(context.Background(), []QuoteRequest{{
		Chain: 99, Pool: v2Pool(a, b), TokenIn: a, AmountIn: NewFixed18FromInt64(100),
	}})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	kind, ok := KindOf(results[0].Err)
	require.True(t, ok)
	assert.Equal(t, KindRPCTimeout, kind)
}

func TestDexQuoter_EndpointBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	q := NewDexQuoter(logger.New("test"), DexQuoterConfig{})
	a, b := TokenRef{Token: 1}, TokenRef{Token: 2}
	caller := &stubCaller{fn: func(int) ([]byte, error) { return nil, errors.New("rpc timeout") }}
	q.RegisterChain(1, caller)

	req := QuoteRequest{Chain: 1, Pool: v2Pool(a, b), TokenIn: a, AmountIn: NewFixed18FromInt64(100)}
	for i := 0; i < maxConsecutiveEndpointTimeouts; i++ {
		results := q.QuoteBatch(context.Background(), []QuoteRequest{req})
		require.Error(t, results[0].Err)
	}

	callsBeforeTrip := caller.calls
	results := q.QuoteBatch(context.Background(), []QuoteRequest{req})
	require.Error(t, results[0].Err)
	kind, ok := KindOf(results[0].Err)
	require.True(t, ok)
	assert.Equal(t, KindRPCTimeout, kind)
	assert.Equal(t, callsBeforeTrip, caller.calls) // breaker now open: the call never reaches the caller
}
