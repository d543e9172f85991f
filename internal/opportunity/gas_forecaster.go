package opportunity

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// GasTrend classifies the slope of a chain's recent gas-price samples.
type GasTrend int

const (
	GasTrendStable GasTrend = iota
	GasTrendRisingFast
	GasTrendDroppingFast
)

func (t GasTrend) String() string {
	switch t {
	case GasTrendRisingFast:
		return "RISING_FAST"
	case GasTrendDroppingFast:
		return "DROPPING_FAST"
	default:
		return "STABLE"
	}
}

const (
	gasWindowMinSamples        = 20
	gasRisingFastPctPerBlock   = 0.05
	gasDroppingFastPctPerBlock = -0.05
)

// gasSample is one observed gas price at a block height.
type gasSample struct {
	wei   *big.Int
	block uint64
	ts    time.Time
}

// chainGasWindow is the per-chain fixed-capacity ring of recent gas
// samples, guarded by its own mutex so chains never contend with each
// other.
type chainGasWindow struct {
	mu      sync.RWMutex
	samples []gasSample
	cap     int
	ceiling *Fixed18
}

// GasForecaster polls each chain's current gas price on a ticker,
// maintains a sliding window per chain, and derives a trend + a
// saturating prediction via ordinary least squares.
type GasForecaster struct {
	logger *logger.Logger

	mu      sync.RWMutex
	windows map[ChainID]*chainGasWindow

	pollers map[ChainID]GasPoller

	capacity int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// GasPoller is the narrow surface GasForecaster needs from an EVM
// connection; *EVMClient satisfies it.
type GasPoller interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

func NewGasForecaster(log *logger.Logger, capacity int) *GasForecaster {
	if capacity < gasWindowMinSamples {
		capacity = gasWindowMinSamples
	}
	return &GasForecaster{
		logger:   log.Named("gas-forecaster"),
		windows:  make(map[ChainID]*chainGasWindow),
		pollers:  make(map[ChainID]GasPoller),
		capacity: capacity,
		stopCh:   make(chan struct{}),
	}
}

// RegisterChain binds a poller and the configured gas ceiling for chain.
func (f *GasForecaster) RegisterChain(chain ChainID, poller GasPoller, ceiling *Fixed18) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollers[chain] = poller
	f.windows[chain] = &chainGasWindow{samples: make([]gasSample, 0, f.capacity), cap: f.capacity, ceiling: ceiling}
}

// Run starts one polling goroutine per registered chain, each on its
// own ticker, until ctx is cancelled or Stop is called.
func (f *GasForecaster) Run(ctx context.Context, period time.Duration) {
	f.mu.RLock()
	chains := make([]ChainID, 0, len(f.pollers))
	for c := range f.pollers {
		chains = append(chains, c)
	}
	f.mu.RUnlock()

	for _, chain := range chains {
		f.wg.Add(1)
		go f.pollLoop(ctx, chain, period)
	}
}

func (f *GasForecaster) pollLoop(ctx context.Context, chain ChainID, period time.Duration) {
	defer f.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.observe(ctx, chain)
		}
	}
}

func (f *GasForecaster) observe(ctx context.Context, chain ChainID) {
	f.mu.RLock()
	poller, ok := f.pollers[chain]
	f.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := withTimeout(ctx, defaultQuoteTimeout)
	defer cancel()

	wei, err := poller.SuggestGasPrice(ctx)
	if err != nil {
		f.logger.Debug("gas price poll failed", zap.Uint32("chain", uint32(chain)), zap.Error(err))
		return
	}
	block, err := poller.BlockNumber(ctx)
	if err != nil {
		f.logger.Debug("block number poll failed", zap.Uint32("chain", uint32(chain)), zap.Error(err))
		return
	}

	f.Observe(chain, wei, block, time.Now())
}

// Observe records a raw sample; exported so tests can drive the window
// deterministically without a live poller.
func (f *GasForecaster) Observe(chain ChainID, wei *big.Int, block uint64, ts time.Time) {
	f.mu.RLock()
	w, ok := f.windows[chain]
	f.mu.RUnlock()
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sample := gasSample{wei: new(big.Int).Set(wei), block: block, ts: ts}
	if len(w.samples) < w.cap {
		w.samples = append(w.samples, sample)
	} else {
		copy(w.samples, w.samples[1:])
		w.samples[len(w.samples)-1] = sample
	}
}

// Forecast is GasForecaster's point-in-time verdict for a chain.
type Forecast struct {
	CurrentWei       *Fixed18
	PredictedNextWei *Fixed18
	Trend            GasTrend
	WaitAdvisory     bool
}

// Forecast returns the current trend classification and a one-block
// look-ahead prediction, saturating at the chain's configured gas
// ceiling. Fewer than gasWindowMinSamples samples yields STABLE with no
// wait advisory; there isn't enough signal to call a trend yet.
func (f *GasForecaster) Forecast(chain ChainID) (Forecast, bool) {
	f.mu.RLock()
	w, ok := f.windows[chain]
	f.mu.RUnlock()
	if !ok {
		return Forecast{}, false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return Forecast{}, false
	}
	current := NewFixed18FromWei(w.samples[len(w.samples)-1].wei)

	if len(w.samples) < gasWindowMinSamples {
		return Forecast{CurrentWei: current, PredictedNextWei: current, Trend: GasTrendStable}, true
	}

	xs := make([]float64, len(w.samples))
	ys := make([]float64, len(w.samples))
	for i, s := range w.samples {
		xs[i] = float64(s.block)
		ys[i] = weiToFloat(s.wei)
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	mean := stat.Mean(ys, nil)

	var trend GasTrend
	var pctPerBlock float64
	if mean > 0 {
		pctPerBlock = beta / mean
	}
	switch {
	case pctPerBlock >= gasRisingFastPctPerBlock:
		trend = GasTrendRisingFast
	case pctPerBlock <= gasDroppingFastPctPerBlock:
		trend = GasTrendDroppingFast
	default:
		trend = GasTrendStable
	}

	nextBlock := xs[len(xs)-1] + 1
	predicted := alpha + beta*nextBlock
	if predicted < 0 {
		predicted = 0
	}
	// Stay in the raw-wei scale CurrentWei uses.
	predictedWei, _ := new(big.Float).SetFloat64(predicted).Int(nil)
	predictedFixed := NewFixed18FromWei(predictedWei)
	if w.ceiling != nil && predictedFixed.GT(w.ceiling) {
		predictedFixed = w.ceiling
	}

	waitAdvisory := trend == GasTrendRisingFast && weiToFloat(w.samples[len(w.samples)-1].wei) > percentile(ys, 0.75)

	return Forecast{
		CurrentWei:       current,
		PredictedNextWei: predictedFixed,
		Trend:            trend,
		WaitAdvisory:     waitAdvisory,
	}, true
}

// weiToFloat is a lossy conversion used only for OLS input; the
// authoritative gas values stay in Fixed18/big.Int form everywhere else.
func weiToFloat(wei *big.Int) float64 {
	f := new(big.Float).SetInt(wei)
	v, _ := f.Float64()
	return v
}

// percentile returns the p-th percentile (0 < p < 1) of values via
// nearest-rank on a sorted copy; gonum's stat.Quantile requires
// pre-sorted input so this mirrors that contract.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// Stop halts all polling goroutines and waits for them to exit.
func (f *GasForecaster) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}
