package opportunity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/kafka"
	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	fingerprintLRUSize = 1024
	fingerprintLRUTTL  = 60 * time.Second

	primaryUnhealthyFailures = 3
	primaryPingTimeout       = 2 * time.Second
)

// intentWire is the JSON shape IntentBus publishes: the logical route
// plus the estimates the Executor needs to decide whether the intent is
// still worth signing, with an integrity hash over the load-bearing
// fields.
type intentWire struct {
	SchemaVersion int           `json:"schema_version"`
	Fingerprint   string        `json:"fingerprint"`
	ChainID       uint32        `json:"chain_id"`
	Loan          loanWire      `json:"loan"`
	Route         []hopWire     `json:"route"`
	Estimates     estimatesWire `json:"estimates"`
	GeneratedAtMS int64         `json:"generated_at_ms"`
	IntegrityHash string        `json:"integrity_hash"`
}

type tokenWire struct {
	ID      uint8  `json:"id"`
	Variant string `json:"variant"`
}

type loanWire struct {
	TokenID   uint8  `json:"token_id"`
	Variant   string `json:"variant"`
	AmountWei string `json:"amount_wei"`
}

type hopWire struct {
	Protocol     string                 `json:"protocol"`
	PoolOrBridge string                 `json:"pool_or_bridge"`
	TokenIn      tokenWire              `json:"token_in"`
	TokenOut     tokenWire              `json:"token_out"`
	Extra        map[string]interface{} `json:"extra"`
}

type estimatesWire struct {
	ExpectedOutWei   string          `json:"expected_out_wei"`
	GrossProfitUSD   decimal.Decimal `json:"gross_profit_usd"`
	GasCostUSD       decimal.Decimal `json:"gas_cost_usd"`
	FlashFeeUSD      decimal.Decimal `json:"flash_fee_usd"`
	BridgeFeeUSD     decimal.Decimal `json:"bridge_fee_usd"`
	NetProfitUSD     decimal.Decimal `json:"net_profit_usd"`
	PriceImpactBps   uint32          `json:"price_impact_bps"`
	TwapDeviationBps uint32          `json:"twap_deviation_bps"`
	Score            decimal.Decimal `json:"score"`
}

// computeFingerprint derives a deterministic 128-bit identity from
// (chain, pools, token, bucketed_amount, epoch): the same inputs always
// hash to the same value. Loan amounts are truncated to whole 1e15-wei
// buckets (~0.001 of a token at 18 decimals) so near-identical re-quotes of
// the same route collapse to the same fingerprint.
func computeFingerprint(opp Opportunity, epoch uint64) Fingerprint {
	h := sha256.New()
	var buf [8]byte

	binary.BigEndian.PutUint32(buf[:4], uint32(opp.Chain))
	h.Write(buf[:4])

	for _, hop := range opp.Route.Hops {
		h.Write(hop.PoolOrBridge[:])
	}

	binary.BigEndian.PutUint32(buf[:4], uint32(opp.LoanToken.Token))
	h.Write(buf[:4])

	bucket := bucketAmount(opp.LoanAmount)
	binary.BigEndian.PutUint64(buf[:8], bucket)
	h.Write(buf[:8])

	binary.BigEndian.PutUint64(buf[:8], epoch)
	h.Write(buf[:8])

	sum := h.Sum(nil)
	var fp Fingerprint
	copy(fp[:], sum[:16])
	return fp
}

func bucketAmount(amount *Fixed18) uint64 {
	if amount == nil {
		return 0
	}
	const bucketSize = 1_000_000_000_000_000 // 1e15 wei
	wei := amount.Wei()
	bucket := new(big.Int).Div(wei, big.NewInt(bucketSize))
	return bucket.Uint64() // low 64 bits; sufficient entropy for a dedup fingerprint component
}

// FeedbackSubscriber receives every ExecutionFeedback that
// HandleFeedback fans out, whatever its outcome; typically SafetyGate
// (to update the breaker). The bus is not a subscriber itself: it
// handles its own dedup entry inside HandleFeedback.
type FeedbackSubscriber interface {
	OnFeedback(ctx context.Context, chain ChainID, fb ExecutionFeedback)
}

// IntentBus publishes dispatched opportunities primarily through Kafka,
// falling back to an atomic file spool when the primary is unhealthy,
// and de-duplicates by fingerprint within a short TTL window.
type IntentBus struct {
	logger *logger.Logger

	producer kafka.Producer
	topic    string
	spoolDir string

	dedup *lru.LRU[Fingerprint, struct{}]

	mu                  sync.Mutex
	consecutiveFailures int
	primaryHealthy      bool

	subscribers []FeedbackSubscriber

	spoolDepth atomic.Int64
	metrics    *Metrics
}

type IntentBusConfig struct {
	Topic    string
	SpoolDir string
	Metrics  *Metrics
}

func NewIntentBus(log *logger.Logger, producer kafka.Producer, cfg IntentBusConfig) *IntentBus {
	if cfg.Topic == "" {
		cfg.Topic = "opportunity-intents"
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "./spool"
	}
	return &IntentBus{
		logger:         log.Named("intent-bus"),
		producer:       producer,
		topic:          cfg.Topic,
		spoolDir:       cfg.SpoolDir,
		dedup:          lru.NewLRU[Fingerprint, struct{}](fingerprintLRUSize, nil, fingerprintLRUTTL),
		primaryHealthy: true,
		metrics:        cfg.Metrics,
	}
}

// Subscribe registers a FeedbackSubscriber to be notified on every
// ExecutionFeedback the bus's feedback consumer observes.
func (b *IntentBus) Subscribe(s FeedbackSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Publish dispatches opp, suppressing it if its fingerprint was already
// seen within the cooldown window, and falling back to the file spool
// if the Kafka primary is unhealthy.
func (b *IntentBus) Publish(ctx context.Context, opp *Opportunity) error {
	if opp.Fingerprint.IsZero() {
		return newError(KindInvariantViolation, "opportunity has zero fingerprint", nil)
	}

	if _, seen := b.dedup.Get(opp.Fingerprint); seen {
		return newError(KindDuplicateSuppressed, "fingerprint already dispatched within cooldown", nil)
	}
	b.dedup.Add(opp.Fingerprint, struct{}{})

	wire := toIntentWire(opp)
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	if b.isPrimaryHealthy() {
		err := b.producer.ProduceJSON(b.topic, opp.Fingerprint.String(), wire)
		if err == nil {
			b.recordSuccess()
			return nil
		}
		b.recordFailure()
		b.logger.Warn("primary publish failed, falling back to spool", zap.Error(err))
	}

	return b.spoolWrite(opp.Fingerprint, payload)
}

func (b *IntentBus) isPrimaryHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.primaryHealthy
}

func (b *IntentBus) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.primaryHealthy = true
}

func (b *IntentBus) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures >= primaryUnhealthyFailures {
		b.primaryHealthy = false
	}
}

// spoolWrite writes the intent atomically via tmpfile + rename as
// `<unix_ms>-<fingerprint>.json`; the Executor tails the directory and
// removes files it has consumed.
func (b *IntentBus) spoolWrite(fp Fingerprint, payload []byte) error {
	if err := os.MkdirAll(b.spoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	finalPath := filepath.Join(b.spoolDir, fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), fp.String()))

	tmp, err := os.CreateTemp(b.spoolDir, "spool-*.tmp")
	if err != nil {
		return fmt.Errorf("create spool tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write spool tmpfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close spool tmpfile: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename spool tmpfile: %w", err)
	}

	b.spoolDepth.Add(1)
	if b.metrics != nil {
		b.metrics.IntentBusSpoolDepth.Set(float64(b.spoolDepth.Load()))
	}
	b.logger.Info("intent spooled", zap.String("path", finalPath))
	return nil
}

// SpoolDepth reports the number of spool files written since startup,
// for the intent_bus_spool_depth metric.
func (b *IntentBus) SpoolDepth() int64 { return b.spoolDepth.Load() }

// HandleFeedback is the bus's feedback-stream consumer: it fans
// ExecutionFeedback out to every subscriber (SafetyGate's breaker, most
// notably) and, on REJECTED, evicts the fingerprint early so a corrected
// re-submission is not suppressed by dedup.
func (b *IntentBus) HandleFeedback(ctx context.Context, chain ChainID, fb ExecutionFeedback) {
	b.mu.Lock()
	subs := make([]FeedbackSubscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		s.OnFeedback(ctx, chain, fb)
	}

	if fb.Outcome == OutcomeRejected {
		b.dedup.Remove(fb.Fingerprint)
	}
}

func toIntentWire(opp *Opportunity) intentWire {
	route := make([]hopWire, 0, len(opp.Route.Hops))
	for _, hop := range opp.Route.Hops {
		extra := map[string]interface{}{}
		switch hop.Protocol {
		case ProtocolV3:
			extra["fee_tier"] = hop.FeeTier
		case ProtocolStable:
			extra["i"] = hop.StableI
			extra["j"] = hop.StableJ
		}
		route = append(route, hopWire{
			Protocol:     hop.Protocol.String(),
			PoolOrBridge: hop.PoolOrBridge.Hex(),
			TokenIn:      tokenWire{ID: uint8(hop.TokenIn.Token), Variant: hop.TokenIn.Variant.String()},
			TokenOut:     tokenWire{ID: uint8(hop.TokenOut.Token), Variant: hop.TokenOut.Variant.String()},
			Extra:        extra,
		})
	}

	w := intentWire{
		SchemaVersion: 1,
		Fingerprint:   opp.Fingerprint.String(),
		ChainID:       uint32(opp.Chain),
		Loan: loanWire{
			TokenID:   uint8(opp.LoanToken.Token),
			Variant:   opp.LoanToken.Variant.String(),
			AmountWei: opp.LoanAmount.Wei().String(),
		},
		Route: route,
		Estimates: estimatesWire{
			ExpectedOutWei:   opp.ExpectedOut.Wei().String(),
			GrossProfitUSD:   opp.GrossProfitUSD,
			GasCostUSD:       opp.GasCostUSD,
			FlashFeeUSD:      opp.FlashFeeUSD,
			BridgeFeeUSD:     opp.BridgeFeeUSD,
			NetProfitUSD:     opp.NetProfitUSD,
			PriceImpactBps:   opp.PriceImpactBps,
			TwapDeviationBps: opp.TwapDeviationBps,
			Score:            opp.Score,
		},
		GeneratedAtMS: opp.GeneratedAt.UnixMilli(),
	}
	w.IntegrityHash = integrityHash(w)
	return w
}

// integrityHash hashes the wire fields that matter for tamper-evidence;
// computed after every other field is set, so it is excluded from its
// own input by construction (it is never read back into the struct
// before hashing).
func integrityHash(w intentWire) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d|%d|%s|%s", w.SchemaVersion, w.Fingerprint, w.ChainID, w.Loan.TokenID, w.Loan.AmountWei, w.Estimates.NetProfitUSD.String())
	for _, hop := range w.Route {
		fmt.Fprintf(h, "|%s:%s", hop.Protocol, hop.PoolOrBridge)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
