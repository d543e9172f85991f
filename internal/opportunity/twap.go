package opportunity

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
)

// TwapWindow is the capability interface TwapAccumulator exposes to the
// rest of the engine; consumers accept the interface so tests can
// substitute a double with a deterministic clock.
type TwapWindow interface {
	Observe(pair TokenPair, value *Fixed18, ts time.Time) error
	TWAP(pair TokenPair) (*Fixed18, bool)
	Volatility(pair TokenPair) float64
}

// VolatilityBand classifies TwapAccumulator's volatility metric.
type VolatilityBand int

const (
	VolatilityStable VolatilityBand = iota
	VolatilityModerate
	VolatilityUnstable
)

func classifyVolatility(v float64) VolatilityBand {
	switch {
	case v < 0.3:
		return VolatilityStable
	case v <= 0.5:
		return VolatilityModerate
	default:
		return VolatilityUnstable
	}
}

// pairWindow is the fixed-capacity sliding ring for one token pair.
type pairWindow struct {
	mu      sync.RWMutex
	samples []PriceSample
	cap     int
	maxAge  time.Duration
	lastTS  time.Time
}

func newPairWindow(capacity int, maxAge time.Duration) *pairWindow {
	return &pairWindow{samples: make([]PriceSample, 0, capacity), cap: capacity, maxAge: maxAge}
}

// TwapAccumulator maintains a per-pair sliding window of price samples
// and derives a time-weighted average and a volatility metric, acting as
// the engine's price-manipulation filter.
type TwapAccumulator struct {
	logger   *logger.Logger
	capacity int
	maxAge   time.Duration

	mu      sync.RWMutex
	windows map[TokenPair]*pairWindow
}

// NewTwapAccumulator builds an accumulator with the given per-pair ring
// capacity (default 100 samples) and maximum sample age (default 30s).
func NewTwapAccumulator(log *logger.Logger, capacity int, maxAge time.Duration) *TwapAccumulator {
	if capacity <= 0 {
		capacity = 100
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &TwapAccumulator{
		logger:   log.Named("twap-accumulator"),
		capacity: capacity,
		maxAge:   maxAge,
		windows:  make(map[TokenPair]*pairWindow),
	}
}

func (t *TwapAccumulator) windowFor(pair TokenPair) *pairWindow {
	t.mu.RLock()
	w, ok := t.windows[pair]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[pair]; ok {
		return w
	}
	w = newPairWindow(t.capacity, t.maxAge)
	t.windows[pair] = w
	return w
}

// Observe records a new sample. Out-of-order timestamps (older than the
// last observed sample for this pair) are rejected, enforcing the
// monotone-ts invariant; observations for a given pair are serialized
// under the pair's own lock.
func (t *TwapAccumulator) Observe(pair TokenPair, value *Fixed18, ts time.Time) error {
	w := t.windowFor(pair)
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.lastTS.IsZero() && ts.Before(w.lastTS) {
		return newError(KindStale, "out-of-order twap observation rejected", nil)
	}
	w.lastTS = ts

	sample := PriceSample{Pair: pair, Value: value, TS: ts}
	if len(w.samples) < w.cap {
		w.samples = append(w.samples, sample)
	} else {
		copy(w.samples, w.samples[1:])
		w.samples[len(w.samples)-1] = sample
	}
	return nil
}

// inWindow returns the subset of samples within maxAge of now, oldest
// first.
func (w *pairWindow) inWindow(now time.Time) []PriceSample {
	out := w.samples[:0:0]
	for _, s := range w.samples {
		if now.Sub(s.TS) <= w.maxAge {
			out = append(out, s)
		}
	}
	return out
}

// TWAP returns the time-weighted average over in-window samples. It
// returns false (no value) until at least 3 samples fall within the
// window.
func (t *TwapAccumulator) TWAP(pair TokenPair) (*Fixed18, bool) {
	w := t.windowFor(pair)
	w.mu.RLock()
	defer w.mu.RUnlock()

	in := w.inWindow(time.Now())
	if len(in) < 3 {
		return nil, false
	}

	var weightedSum, weightTotal float64
	for i := 1; i < len(in); i++ {
		dt := in[i].TS.Sub(in[i-1].TS).Seconds()
		if dt <= 0 {
			continue
		}
		v, _ := in[i].Value.ToDecimal().Float64()
		weightedSum += v * dt
		weightTotal += dt
	}
	if weightTotal == 0 {
		// Degenerate case: all samples share a timestamp; fall back to
		// a simple mean so we still return a value once count >= 3.
		var sum float64
		for _, s := range in {
			v, _ := s.Value.ToDecimal().Float64()
			sum += v
		}
		mean := sum / float64(len(in))
		return fixed18FromFloat(mean), true
	}

	return fixed18FromFloat(weightedSum / weightTotal), true
}

// Volatility returns the coefficient of variation (sigma/mu) of
// in-window samples for pair; 0 if fewer than 2 samples are available.
func (t *TwapAccumulator) Volatility(pair TokenPair) float64 {
	w := t.windowFor(pair)
	w.mu.RLock()
	defer w.mu.RUnlock()

	in := w.inWindow(time.Now())
	if len(in) < 2 {
		return 0
	}

	var sum float64
	values := make([]float64, len(in))
	for i, s := range in {
		v, _ := s.Value.ToDecimal().Float64()
		values[i] = v
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	sigma := math.Sqrt(variance)
	return sigma / mean
}

// Band is a convenience wrapper returning the classified volatility
// band for pair. No other component calls it: neither SafetyGate,
// ProfitEngine nor RoutingGraph excludes edges by volatility.
func (t *TwapAccumulator) Band(pair TokenPair) VolatilityBand {
	return classifyVolatility(t.Volatility(pair))
}

func fixed18FromFloat(f float64) *Fixed18 {
	// int64 wei saturates around 9.22 whole units, so go through
	// decimal instead of math.Round for prices above that.
	return Fixed18FromDecimal(decimal.NewFromFloat(f))
}
