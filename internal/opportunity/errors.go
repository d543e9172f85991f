package opportunity

import "errors"

// Kind is a stable discriminator every structured error carries, usable
// directly as a Prometheus label.
type Kind string

const (
	// Recoverable transient: skip the affected route/pair, continue the tick.
	KindRPCTimeout       Kind = "RPC_TIMEOUT"
	KindProtocolRevert   Kind = "PROTOCOL_REVERT"
	KindPriceUnavailable Kind = "PRICE_UNAVAILABLE"
	KindPoolDrained      Kind = "POOL_DRAINED"
	KindStale            Kind = "STALE"

	// Safety rejections: counted, not escalated.
	KindMinProfitBelowFloor Kind = "MIN_PROFIT_BELOW_FLOOR"
	KindPriceImpactTooHigh  Kind = "PRICE_IMPACT_TOO_HIGH"
	KindTwapDeviationTooHigh Kind = "TWAP_DEVIATION_TOO_HIGH"
	KindGasCeilingExceeded  Kind = "GAS_CEILING_EXCEEDED"
	KindBackpressureDefer   Kind = "BACKPRESSURE_DEFER"
	KindDuplicateSuppressed Kind = "DUPLICATE_SUPPRESSED"
	KindBreakerOpen         Kind = "BREAKER_OPEN"
	KindInsufficientLiquidity Kind = "INSUFFICIENT_LIQUIDITY"

	// Fatal: supervisor terminates the affected scanner only.
	KindConfigVersionMismatch Kind = "CONFIG_VERSION_MISMATCH"
	KindInvariantViolation    Kind = "INVARIANT_VIOLATION"
)

// Error is the structured error every component returns; it always
// carries a Kind suitable for metrics and logging, plus an optional
// wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

var (
	ErrPriceUnavailable     = newError(KindPriceUnavailable, "no price tier produced a value", nil)
	ErrInsufficientLiquidity = newError(KindInsufficientLiquidity, "pool tvl below minimum loan floor", nil)
)
