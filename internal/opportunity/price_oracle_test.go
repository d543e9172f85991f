package opportunity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeedReader struct {
	answer    decimal.Decimal
	updatedAt time.Time
	err       error
}

func (s stubFeedReader) LatestRoundData(context.Context, ChainID, common.Address) (decimal.Decimal, time.Time, error) {
	return s.answer, s.updatedAt, s.err
}

type stubHTTPFetcher struct {
	price decimal.Decimal
	err   error
}

func (s stubHTTPFetcher) FetchUSD(context.Context, string) (decimal.Decimal, error) {
	return s.price, s.err
}

func TestPriceOracle_PrefersChainlinkWhenFresh(t *testing.T) {
	feeds := map[ChainID]map[TokenID]common.Address{1: {5: common.Address{1}}}
	oracle := NewPriceOracle(logger.New("test"), PriceOracleConfig{
		Feeds:      feeds,
		FeedReader: stubFeedReader{answer: decimal.NewFromInt(100), updatedAt: time.Now()},
	})

	price, err := oracle.PriceUSD(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(price))
}

func TestPriceOracle_FallsBackToTwapOnStaleFeed(t *testing.T) {
	feeds := map[ChainID]map[TokenID]common.Address{1: {5: common.Address{1}}}
	twap := NewTwapAccumulator(logger.New("test"), 10, time.Minute)
	pair := TokenPair{Base: TokenRef{Token: 5, Chain: 1}, Quote: TokenRef{Token: 0, Chain: 1}}
	base := time.Now()
	require.NoError(t, twap.Observe(pair, NewFixed18FromInt64(50), base))
	require.NoError(t, twap.Observe(pair, NewFixed18FromInt64(51), base.Add(time.Second)))
	require.NoError(t, twap.Observe(pair, NewFixed18FromInt64(52), base.Add(2*time.Second)))

	oracle := NewPriceOracle(logger.New("test"), PriceOracleConfig{
		Feeds:        feeds,
		FeedReader:   stubFeedReader{answer: decimal.NewFromInt(100), updatedAt: time.Now().Add(-2 * time.Hour)},
		MaxFeedStale: time.Hour,
		TwapWindow:   twap,
	})

	price, err := oracle.PriceUSD(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.True(t, price.GreaterThan(decimal.NewFromInt(49)))
	assert.True(t, price.LessThan(decimal.NewFromInt(53)))
}

func TestPriceOracle_FallsBackToHTTPWhenNoFeedOrTwap(t *testing.T) {
	oracle := NewPriceOracle(logger.New("test"), PriceOracleConfig{
		HTTP: stubHTTPFetcher{price: decimal.NewFromInt(42)},
	})

	price, err := oracle.PriceUSD(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(42).Equal(price))
}

func TestPriceOracle_AllTiersMissReturnsPriceUnavailable(t *testing.T) {
	oracle := NewPriceOracle(logger.New("test"), PriceOracleConfig{
		HTTP: stubHTTPFetcher{err: errors.New("network down")},
	})

	_, err := oracle.PriceUSD(context.Background(), 5, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestPriceOracle_CachesResultWithinTTL(t *testing.T) {
	calls := 0
	oracle := NewPriceOracle(logger.New("test"), PriceOracleConfig{
		CacheTTL: time.Minute,
		HTTP: stubHTTPFetcherFunc(func() (decimal.Decimal, error) {
			calls++
			return decimal.NewFromInt(int64(calls)), nil
		}),
	})

	first, err := oracle.PriceUSD(context.Background(), 5, 1)
	require.NoError(t, err)
	second, err := oracle.PriceUSD(context.Background(), 5, 1)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, 1, calls)
}

func TestPriceOracle_DeviationBpsMeasuresDifference(t *testing.T) {
	oracle := NewPriceOracle(logger.New("test"), PriceOracleConfig{
		HTTP: stubHTTPFetcher{price: decimal.NewFromInt(100)},
	})

	bps, err := oracle.DeviationBps(context.Background(), 5, 1, decimal.NewFromInt(105))
	require.NoError(t, err)
	assert.Equal(t, uint32(500), bps)
}

type stubHTTPFetcherFunc func() (decimal.Decimal, error)

func (f stubHTTPFetcherFunc) FetchUSD(context.Context, string) (decimal.Decimal, error) {
	return f()
}

func TestFeedReaderMux_RoutesByChain(t *testing.T) {
	mux := NewFeedReaderMux(map[ChainID]ChainlinkFeedReader{
		1: stubFeedReader{answer: decimal.NewFromInt(7), updatedAt: time.Now()},
	})

	price, _, err := mux.LatestRoundData(context.Background(), 1, common.Address{1})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(7).Equal(price))

	_, _, err = mux.LatestRoundData(context.Background(), 99, common.Address{1})
	assert.Error(t, err)
}
