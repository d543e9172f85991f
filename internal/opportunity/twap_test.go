package opportunity

import (
	"testing"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair() TokenPair {
	return TokenPair{
		Base:  TokenRef{Token: 1, Chain: 1},
		Quote: TokenRef{Token: 2, Chain: 1},
	}
}

func TestTwapAccumulator_RequiresThreeSamples(t *testing.T) {
	acc := NewTwapAccumulator(logger.New("test"), 100, 30*time.Second)
	pair := testPair()
	base := time.Now()

	require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(100), base))
	_, ok := acc.TWAP(pair)
	assert.False(t, ok)

	require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(101), base.Add(time.Second)))
	_, ok = acc.TWAP(pair)
	assert.False(t, ok)

	require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(102), base.Add(2*time.Second)))
	v, ok := acc.TWAP(pair)
	assert.True(t, ok)
	assert.NotNil(t, v)
}

func TestTwapAccumulator_RejectsOutOfOrderTimestamps(t *testing.T) {
	acc := NewTwapAccumulator(logger.New("test"), 100, 30*time.Second)
	pair := testPair()
	base := time.Now()

	require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(100), base))
	err := acc.Observe(pair, NewFixed18FromInt64(99), base.Add(-time.Second))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindStale, kind)
}

func TestTwapAccumulator_WeightsByElapsedTime(t *testing.T) {
	acc := NewTwapAccumulator(logger.New("test"), 100, time.Hour)
	pair := testPair()
	base := time.Now()

	// Price sits at 100 for 9 seconds, then jumps to 200 for the final
	// second: the time-weighted average should sit much closer to 100
	// than a plain arithmetic mean would.
	require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(100), base))
	require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(100), base.Add(9*time.Second)))
	require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(200), base.Add(10*time.Second)))

	twap, ok := acc.TWAP(pair)
	require.True(t, ok)
	f, _ := twap.ToDecimal().Float64()
	assert.Greater(t, f, 100.0)
	assert.Less(t, f, 150.0)
}

func TestTwapAccumulator_VolatilityAndBand(t *testing.T) {
	acc := NewTwapAccumulator(logger.New("test"), 100, time.Hour)
	pair := testPair()
	base := time.Now()

	// Identical samples: zero volatility, STABLE band.
	for i := 0; i < 5; i++ {
		require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(100), base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 0.0, acc.Volatility(pair))
	assert.Equal(t, VolatilityStable, acc.Band(pair))
}

func TestTwapAccumulator_UnstableBandOnWideSwing(t *testing.T) {
	acc := NewTwapAccumulator(logger.New("test"), 100, time.Hour)
	pair := testPair()
	base := time.Now()

	values := []int64{100, 10, 200, 5, 300}
	for i, v := range values {
		require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(v), base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, VolatilityUnstable, acc.Band(pair))
}

func TestTwapAccumulator_EvictsOldestPastCapacity(t *testing.T) {
	acc := NewTwapAccumulator(logger.New("test"), 3, time.Hour)
	pair := testPair()
	base := time.Now()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, acc.Observe(pair, NewFixed18FromInt64(100+i), base.Add(time.Duration(i)*time.Second)))
	}
	// Only the ring's capacity worth of samples should remain, so TWAP
	// must still resolve without error despite 5 observations on a
	// 3-slot ring.
	_, ok := acc.TWAP(pair)
	assert.True(t, ok)
}
