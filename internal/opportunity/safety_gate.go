package opportunity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	redisClient "github.com/DimaJoyti/opportunity-engine/pkg/redis"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// feedbackHistoryCap bounds each chain's retained feedback records,
// mirroring TwapAccumulator's fixed-capacity sample windows rather than
// letting history grow unbounded.
const feedbackHistoryCap = 50

// FeedbackRecord is one retained ExecutionFeedback, keyed by a
// non-fingerprint auxiliary id so repeated fingerprints (resubmissions
// after a TTL eviction) still produce distinguishable history entries.
type FeedbackRecord struct {
	ID          string
	Fingerprint Fingerprint
	Outcome     ExecutionOutcome
	At          time.Time
}

// BreakerState is the circuit breaker's current state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

const (
	defaultMaxConsecutiveFailures = 10
	defaultCooldownSecs           = 60
	breakerMaxBackoff             = 15 * time.Minute
)

// chainBreaker is one chain's circuit breaker: counters plus a state
// transition lock.
type chainBreaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	backoff             time.Duration
	halfOpenInFlight    bool
	history             []FeedbackRecord
}

// SafetyGateConfig carries the admission tunables.
type SafetyGateConfig struct {
	MaxConcurrentIntentsPerChain int
	MaxConsecutiveFailures       int
	CooldownSecs                 int
	FingerprintCooldown          time.Duration
}

// SafetyGate is the last admission checkpoint before an Opportunity
// reaches IntentBus: circuit breaker, gas ceiling, backpressure,
// duplicate suppression, and a final re-verification of the thresholds
// ProfitEngine already checked, since price/gas data can move between
// ProfitEngine's evaluation and SafetyGate's admission call.
type SafetyGate struct {
	logger *logger.Logger
	cfg    SafetyGateConfig
	redis  redisClient.Client // optional; nil means in-memory-only breaker state

	mu       sync.Mutex
	breakers map[ChainID]*chainBreaker
	inflight map[ChainID]int
	lastSeen map[Fingerprint]time.Time

	profitEngine *ProfitEngine
	metrics      *Metrics
}

func NewSafetyGate(log *logger.Logger, cfg SafetyGateConfig, engine *ProfitEngine, redis redisClient.Client, metrics *Metrics) *SafetyGate {
	if cfg.MaxConcurrentIntentsPerChain <= 0 {
		cfg.MaxConcurrentIntentsPerChain = 3
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if cfg.CooldownSecs <= 0 {
		cfg.CooldownSecs = defaultCooldownSecs
	}
	if cfg.FingerprintCooldown <= 0 {
		cfg.FingerprintCooldown = 5 * time.Second
	}
	return &SafetyGate{
		logger:       log.Named("safety-gate"),
		cfg:          cfg,
		redis:        redis,
		breakers:     make(map[ChainID]*chainBreaker),
		inflight:     make(map[ChainID]int),
		lastSeen:     make(map[Fingerprint]time.Time),
		profitEngine: engine,
		metrics:      metrics,
	}
}

func (g *SafetyGate) breakerFor(chain ChainID) *chainBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[chain]
	if !ok {
		b = &chainBreaker{state: BreakerClosed}
		g.breakers[chain] = b
	}
	return b
}

// Admit runs the ordered admission checks against opp and, if every
// check passes, marks the chain's inflight slot and the opportunity's
// fingerprint as consumed.
func (g *SafetyGate) Admit(ctx context.Context, opp *Opportunity, gasCeilingWei *Fixed18, predictedGasWei *Fixed18) (bool, Kind) {
	b := g.breakerFor(opp.Chain)

	state, probing, ok := g.checkBreaker(opp.Chain, b)
	if !ok {
		return false, state
	}
	// A HALF_OPEN probe slot acquired above must be handed back if a
	// later check rejects, or the breaker would never see another probe.
	reject := func(kind Kind) (bool, Kind) {
		if probing {
			b.releaseProbe()
		}
		return false, kind
	}

	if predictedGasWei != nil && gasCeilingWei != nil && predictedGasWei.GT(gasCeilingWei) {
		return reject(KindGasCeilingExceeded)
	}

	g.mu.Lock()
	inflight := g.inflight[opp.Chain]
	if inflight >= g.cfg.MaxConcurrentIntentsPerChain {
		g.mu.Unlock()
		return reject(KindBackpressureDefer)
	}
	if last, seen := g.lastSeen[opp.Fingerprint]; seen && time.Since(last) < g.cfg.FingerprintCooldown {
		g.mu.Unlock()
		return reject(KindDuplicateSuppressed)
	}
	g.mu.Unlock()

	// Re-verify the thresholds ProfitEngine already checked: data may
	// have moved since evaluation.
	if opp.PriceImpactBps > g.profitEngine.cfg.MaxImpactBps {
		return reject(KindPriceImpactTooHigh)
	}
	if opp.TwapDeviationBps > g.profitEngine.cfg.MaxTwapDevBps {
		return reject(KindTwapDeviationTooHigh)
	}
	if opp.NetProfitUSD.LessThan(g.profitEngineMinProfit()) {
		return reject(KindMinProfitBelowFloor)
	}

	g.mu.Lock()
	g.inflight[opp.Chain] = inflight + 1
	g.lastSeen[opp.Fingerprint] = time.Now()
	g.mu.Unlock()

	g.persistBreakerState(ctx, opp.Chain, b)
	return true, ""
}

// releaseProbe hands back the single HALF_OPEN admission slot without
// recording an outcome.
func (b *chainBreaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.halfOpenInFlight = false
	}
}

func (g *SafetyGate) profitEngineMinProfit() decimal.Decimal {
	return g.profitEngine.cfg.MinProfitUSD
}

// checkBreaker reports whether the breaker permits an admission attempt;
// probing is true when the caller now holds the single HALF_OPEN slot.
func (g *SafetyGate) checkBreaker(chain ChainID, b *chainBreaker) (kind Kind, probing, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return "", false, true
	case BreakerOpen:
		cooldown := b.backoff
		if cooldown == 0 {
			cooldown = time.Duration(g.cfg.CooldownSecs) * time.Second
		}
		if time.Since(b.openedAt) < cooldown {
			return KindBreakerOpen, false, false
		}
		b.state = BreakerHalfOpen
		b.halfOpenInFlight = false
		g.updateBreakerGauge(chain, BreakerHalfOpen)
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenInFlight {
			return KindBreakerOpen, false, false // a second concurrent admit() under HALF_OPEN must defer
		}
		b.halfOpenInFlight = true
		return "", true, true
	}
	return KindBreakerOpen, false, false
}

// ReleaseInflight decrements the chain's inflight counter once an
// executor finishes with the dispatched intent (success or failure).
func (g *SafetyGate) ReleaseInflight(chain ChainID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[chain] > 0 {
		g.inflight[chain]--
	}
}

// OnFeedback updates the breaker's counters from an ExecutionFeedback:
// non-recoverable failures (REVERTED/TIMEOUT) increment the
// consecutive-failure counter; a successful (INCLUDED) admission under
// HALF_OPEN closes the breaker.
func (g *SafetyGate) OnFeedback(ctx context.Context, chain ChainID, fb ExecutionFeedback) {
	b := g.breakerFor(chain)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, FeedbackRecord{
		ID:          uuid.New().String(),
		Fingerprint: fb.Fingerprint,
		Outcome:     fb.Outcome,
		At:          time.Now(),
	})
	if len(b.history) > feedbackHistoryCap {
		b.history = b.history[len(b.history)-feedbackHistoryCap:]
	}

	if fb.Outcome.Success() {
		b.consecutiveFailures = 0
		b.backoff = 0
		b.state = BreakerClosed
		b.halfOpenInFlight = false
		g.logger.Debug("breaker closed on success", zap.Uint32("chain", uint32(chain)))
		g.updateBreakerGauge(chain, BreakerClosed)
		return
	}

	if !fb.Outcome.Failure() {
		// SIMULATED_OK/SUBMITTED/REJECTED are not terminal failures, but
		// a HALF_OPEN probe that ends this way still frees its slot.
		if b.state == BreakerHalfOpen {
			b.halfOpenInFlight = false
		}
		return
	}

	b.consecutiveFailures++
	if b.state == BreakerHalfOpen {
		b.halfOpenInFlight = false
		if b.backoff == 0 {
			b.backoff = time.Duration(g.cfg.CooldownSecs) * time.Second
		} else {
			b.backoff *= 2
			if b.backoff > breakerMaxBackoff {
				b.backoff = breakerMaxBackoff
			}
		}
		b.state = BreakerOpen
		b.openedAt = time.Now()
		g.logger.Warn("breaker re-opened after half-open failure", zap.Uint32("chain", uint32(chain)), zap.Duration("backoff", b.backoff))
		g.updateBreakerGauge(chain, BreakerOpen)
		return
	}

	if b.consecutiveFailures >= g.cfg.MaxConsecutiveFailures && b.state == BreakerClosed {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.backoff = time.Duration(g.cfg.CooldownSecs) * time.Second
		g.logger.Warn("breaker opened", zap.Uint32("chain", uint32(chain)), zap.Int("consecutive_failures", b.consecutiveFailures))
		g.updateBreakerGauge(chain, BreakerOpen)
	}
}

// updateBreakerGauge mirrors state into the breaker_state metric, a
// no-op when the gate was constructed without a Metrics bundle (as in
// unit tests).
func (g *SafetyGate) updateBreakerGauge(chain ChainID, state BreakerState) {
	if g.metrics == nil {
		return
	}
	g.metrics.BreakerState.WithLabelValues(chainIDString(chain)).Set(float64(state))
}

// State reports the current breaker state for chain, for metrics export.
func (g *SafetyGate) State(chain ChainID) BreakerState {
	b := g.breakerFor(chain)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// History returns the bounded, most-recent-last feedback history for
// chain. The breaker's transitions use their own counters, not this
// history.
func (g *SafetyGate) History(chain ChainID) []FeedbackRecord {
	b := g.breakerFor(chain)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FeedbackRecord, len(b.history))
	copy(out, b.history)
	return out
}

// persistBreakerState writes the breaker's current state to redis with
// a one-hour expiry. It runs only after a successful admission, so a
// trip to OPEN is not written, and nothing in this package reads the
// key back on startup.
func (g *SafetyGate) persistBreakerState(ctx context.Context, chain ChainID, b *chainBreaker) {
	if g.redis == nil {
		return
	}
	b.mu.Lock()
	state := b.state.String()
	b.mu.Unlock()

	ctx, cancel := withTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	key := breakerRedisKey(chain)
	if err := g.redis.Set(ctx, key, state, time.Hour); err != nil {
		g.logger.Debug("breaker state persist failed", zap.Uint32("chain", uint32(chain)), zap.Error(err))
	}
}

func breakerRedisKey(chain ChainID) string {
	return "opportunity-engine:breaker:" + chainIDString(chain)
}

func chainIDString(chain ChainID) string {
	return strconv.FormatUint(uint64(chain), 10)
}
