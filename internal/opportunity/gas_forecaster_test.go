package opportunity

import (
	"math/big"
	"testing"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGasForecaster_StableBelowMinSamples(t *testing.T) {
	f := NewGasForecaster(logger.New("test"), 64)
	f.RegisterChain(1, nil, nil)

	base := time.Now()
	for i := 0; i < 5; i++ {
		f.Observe(1, big.NewInt(int64(20_000_000_000+i)), uint64(i), base.Add(time.Duration(i)*time.Second))
	}

	forecast, ok := f.Forecast(1)
	require.True(t, ok)
	assert.Equal(t, GasTrendStable, forecast.Trend)
	assert.False(t, forecast.WaitAdvisory)
}

func TestGasForecaster_DetectsRisingTrend(t *testing.T) {
	f := NewGasForecaster(logger.New("test"), 64)
	f.RegisterChain(1, nil, nil)

	base := time.Now()
	gwei := int64(20_000_000_000)
	for i := 0; i < 25; i++ {
		gwei += 6_000_000_000 // steady climb well above the 5%-of-mean per-block threshold
		f.Observe(1, big.NewInt(gwei), uint64(i), base.Add(time.Duration(i)*time.Second))
	}

	forecast, ok := f.Forecast(1)
	require.True(t, ok)
	assert.Equal(t, GasTrendRisingFast, forecast.Trend)
	assert.True(t, forecast.PredictedNextWei.GT(forecast.CurrentWei))
	assert.True(t, forecast.WaitAdvisory)
}

func TestGasForecaster_DetectsDroppingTrend(t *testing.T) {
	f := NewGasForecaster(logger.New("test"), 64)
	f.RegisterChain(1, nil, nil)

	base := time.Now()
	gwei := int64(50_000_000_000)
	for i := 0; i < 25; i++ {
		gwei -= gwei / 10
		f.Observe(1, big.NewInt(gwei), uint64(i), base.Add(time.Duration(i)*time.Second))
	}

	forecast, ok := f.Forecast(1)
	require.True(t, ok)
	assert.Equal(t, GasTrendDroppingFast, forecast.Trend)
}

func TestGasForecaster_PredictionSaturatesAtCeiling(t *testing.T) {
	ceiling := NewFixed18FromWei(big.NewInt(25_000_000_000))
	f := NewGasForecaster(logger.New("test"), 64)
	f.RegisterChain(1, nil, ceiling)

	base := time.Now()
	gwei := int64(20_000_000_000)
	for i := 0; i < 25; i++ {
		gwei += gwei / 5 // steep rise, would overshoot the ceiling unchecked
		f.Observe(1, big.NewInt(gwei), uint64(i), base.Add(time.Duration(i)*time.Second))
	}

	forecast, ok := f.Forecast(1)
	require.True(t, ok)
	assert.True(t, forecast.PredictedNextWei.LTE(ceiling))
}

func TestGasForecaster_UnregisteredChainReturnsFalse(t *testing.T) {
	f := NewGasForecaster(logger.New("test"), 64)
	_, ok := f.Forecast(99)
	assert.False(t, ok)
}

func TestGasForecaster_NoSamplesYetReturnsFalse(t *testing.T) {
	f := NewGasForecaster(logger.New("test"), 64)
	f.RegisterChain(1, nil, nil)
	_, ok := f.Forecast(1)
	assert.False(t, ok)
}
