// Package opportunity implements the hot-path subsystem of a multi-chain
// DEX arbitrage bot: it discovers, quantifies and dispatches atomic
// flash-loan arbitrage trades, leaving signing and broadcasting to an
// external executor.
package opportunity

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ChainID is an EVM chain identifier.
type ChainID uint32

// Chain describes one supported network.
type Chain struct {
	ID                   ChainID
	Name                 string
	SupportedDexes       []Protocol
	FlashLoanProviders   []FlashLoanProvider
	WrappedNative        TokenID
	DefaultGasCeilingWei *Fixed18
	TickPeriod           time.Duration
}

// TokenID is a canonical integer identifying a logical token across
// chains. The universe is bounded (<=256 entries) so it fits in a byte
// on the wire.
type TokenID uint8

// Variant distinguishes deployments of the same logical token.
type Variant uint8

const (
	VariantCanonical Variant = iota
	VariantBridged
	VariantWrapped
)

func (v Variant) String() string {
	switch v {
	case VariantCanonical:
		return "CANONICAL"
	case VariantBridged:
		return "BRIDGED"
	case VariantWrapped:
		return "WRAPPED"
	default:
		return "UNKNOWN"
	}
}

// TokenRef identifies one deployment of a token by the tuple
// (TokenID, chain, variant).
type TokenRef struct {
	Token   TokenID
	Chain   ChainID
	Variant Variant
}

// TokenDeployment binds a TokenRef to its on-chain address and decimals,
// and is the unit the reverse-address registry indexes.
type TokenDeployment struct {
	Ref      TokenRef
	Address  common.Address
	Decimals uint8
	Symbol   string
}

// Protocol tags the AMM family a pool implements. Quoting switches on
// the tag; adding a protocol means adding a variant plus its quote path.
type Protocol uint8

const (
	ProtocolV2 Protocol = iota
	ProtocolV3
	ProtocolStable
	ProtocolBridge
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV2:
		return "V2"
	case ProtocolV3:
		return "V3"
	case ProtocolStable:
		return "STABLE"
	case ProtocolBridge:
		return "BRIDGE"
	default:
		return "UNKNOWN"
	}
}

// FlashLoanProvider enumerates sources of uncollateralized same-block
// liquidity. Fee rates differ per provider, so sizing and profit math
// take the provider into account rather than assuming Aave.
type FlashLoanProvider uint8

const (
	FlashLoanAave FlashLoanProvider = iota
	FlashLoanBalancer
	FlashLoanDyDx
)

// ProviderRateBps returns the flash-loan fee, in basis points, charged
// by a provider. Balancer is fee-free; Aave and dYdX charge a protocol
// fee.
func ProviderRateBps(p FlashLoanProvider) int64 {
	switch p {
	case FlashLoanBalancer:
		return 0
	case FlashLoanDyDx:
		return 2
	default: // Aave
		return 9
	}
}

// PoolEntry is an immutable (per scan epoch) description of a liquidity
// pool. Token0/Token1 are normalized so Token0 < Token1 lexicographically,
// per the data-model invariant.
type PoolEntry struct {
	Chain    ChainID
	Protocol Protocol
	Address  common.Address
	Token0   TokenRef
	Token1   TokenRef
	FeeBps   uint32 // v3 fee tier; ignored for v2/stable
	Version  uint64 // bumps on every pool-state refresh
	Meta     PoolMeta
}

// PoolMeta carries protocol-specific static metadata (stable-pool token
// indices, v3 tick spacing, etc.) that quoting needs but that does not
// change on every refresh.
type PoolMeta struct {
	StableIndexIn  int
	StableIndexOut int
	Underlying     bool
}

// NormalizePoolTokens returns token0/token1 in canonical lexicographic
// address order, as every PoolEntry must store them.
func NormalizePoolTokens(a, b TokenDeployment) (TokenDeployment, TokenDeployment) {
	if a.Address.Hex() <= b.Address.Hex() {
		return a, b
	}
	return b, a
}

// QuoteSource records how a Quote's amount_out was derived.
type QuoteSource uint8

const (
	QuoteSourceQuoter QuoteSource = iota
	QuoteSourceReserves
)

// Quote is the result of asking a DexQuoter what amount_out a pool would
// return for amount_in. AmountOut is always strictly positive; a pool
// that cannot service the swap returns an error, never a zero quote.
type Quote struct {
	Pool           PoolEntry
	TokenIn        TokenRef
	TokenOut       TokenRef
	AmountIn       *Fixed18
	AmountOut      *Fixed18
	FeeBps         uint32
	PriceImpactBps uint32 // execution rate vs pre-trade spot (or probe rate)
	ObservedAt     time.Time
	Source         QuoteSource
}

// PriceSample is one observation fed into a TwapAccumulator.
type PriceSample struct {
	Pair  TokenPair
	Value *Fixed18
	TS    time.Time
}

// TokenPair identifies an ordered (base, quote) pair for price purposes.
type TokenPair struct {
	Base  TokenRef
	Quote TokenRef
}

// Hop is one leg of a Route: a swap through a pool or a transfer across
// a bridge.
type Hop struct {
	Protocol     Protocol
	PoolOrBridge common.Address
	TokenIn      TokenRef
	TokenOut     TokenRef
	FeeTier      uint32 // v3
	StableI      int    // stable get_dy index i
	StableJ      int    // stable get_dy index j
}

// Route is an ordered, non-empty sequence of hops describing a candidate
// arbitrage path. A same-chain route has at most 3 hops; a cross-chain
// route at most 4.
type Route struct {
	Hops []Hop
}

// IsClosedLoop reports whether the route starts and ends on the same
// token, the defining property of an arbitrage candidate.
func (r Route) IsClosedLoop() bool {
	if len(r.Hops) == 0 {
		return false
	}
	return r.Hops[0].TokenIn == r.Hops[len(r.Hops)-1].TokenOut
}

// Valid checks the chain-of-custody invariant: each hop's token_in must
// equal the previous hop's token_out, and the route must close.
func (r Route) Valid() bool {
	if len(r.Hops) == 0 {
		return false
	}
	for i := 1; i < len(r.Hops); i++ {
		if r.Hops[i].TokenIn != r.Hops[i-1].TokenOut {
			return false
		}
	}
	return r.IsClosedLoop()
}

// CrossChain reports whether any hop is a bridge traversal.
func (r Route) CrossChain() bool {
	for _, h := range r.Hops {
		if h.Protocol == ProtocolBridge {
			return true
		}
	}
	return false
}

// Opportunity is a fully evaluated, scored arbitrage candidate ready for
// SafetyGate admission and IntentBus dispatch.
type Opportunity struct {
	Route             Route
	Chain             ChainID
	LoanToken         TokenRef
	LoanAmount        *Fixed18
	ExpectedOut       *Fixed18
	GrossProfitUSD    decimal.Decimal
	GasCostUSD        decimal.Decimal
	FlashFeeUSD       decimal.Decimal
	BridgeFeeUSD      decimal.Decimal
	NetProfitUSD      decimal.Decimal
	PriceImpactBps    uint32
	TwapDeviationBps  uint32
	Score             decimal.Decimal
	Fingerprint       Fingerprint
	GeneratedAt       time.Time
}

// NetProfitConsistent reports whether NetProfitUSD equals
// gross - gas - flash - bridge, the data-model invariant enforced at
// construction time by ProfitEngine (see profit_engine.go).
func (o Opportunity) NetProfitConsistent() bool {
	want := o.GrossProfitUSD.Sub(o.GasCostUSD).Sub(o.FlashFeeUSD).Sub(o.BridgeFeeUSD)
	return o.NetProfitUSD.Equal(want)
}

// Fingerprint is a stable 128-bit identity used for de-duplication.
type Fingerprint [16]byte

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 32)
	for i, b := range f {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// ExecutionOutcome is the terminal state an Executor reports for a
// dispatched intent.
type ExecutionOutcome string

const (
	OutcomeSimulatedOK ExecutionOutcome = "SIMULATED_OK"
	OutcomeSubmitted   ExecutionOutcome = "SUBMITTED"
	OutcomeIncluded    ExecutionOutcome = "INCLUDED"
	OutcomeReverted    ExecutionOutcome = "REVERTED"
	OutcomeRejected    ExecutionOutcome = "REJECTED"
	OutcomeTimeout     ExecutionOutcome = "TIMEOUT"
)

// Failure reports whether the outcome should count as a circuit
// breaker failure. SIMULATED_OK/SUBMITTED/INCLUDED are not failures;
// REVERTED/TIMEOUT are non-recoverable execution failures;
// REJECTED is a pre-broadcast safety rejection and does not count
// against the breaker.
func (o ExecutionOutcome) Failure() bool {
	return o == OutcomeReverted || o == OutcomeTimeout
}

func (o ExecutionOutcome) Success() bool {
	return o == OutcomeIncluded
}

// ExecutionFeedback is the Executor's report on a previously dispatched
// intent, correlated by Fingerprint.
type ExecutionFeedback struct {
	Fingerprint        Fingerprint
	Outcome            ExecutionOutcome
	RealizedProfitUSD  *decimal.Decimal
	GasUsed            *uint64
	ErrorKind          string
}
