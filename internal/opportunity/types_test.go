package opportunity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoute_IsClosedLoopRequiresMatchingEndpoints(t *testing.T) {
	a, b, c := TokenRef{Token: 1}, TokenRef{Token: 2}, TokenRef{Token: 3}

	closed := Route{Hops: []Hop{{TokenIn: a, TokenOut: b}, {TokenIn: b, TokenOut: a}}}
	assert.True(t, closed.IsClosedLoop())

	open := Route{Hops: []Hop{{TokenIn: a, TokenOut: b}, {TokenIn: b, TokenOut: c}}}
	assert.False(t, open.IsClosedLoop())

	assert.False(t, Route{}.IsClosedLoop())
}

func TestRoute_ValidChecksChainOfCustody(t *testing.T) {
	a, b, c := TokenRef{Token: 1}, TokenRef{Token: 2}, TokenRef{Token: 3}

	valid := Route{Hops: []Hop{{TokenIn: a, TokenOut: b}, {TokenIn: b, TokenOut: c}, {TokenIn: c, TokenOut: a}}}
	assert.True(t, valid.Valid())

	brokenCustody := Route{Hops: []Hop{{TokenIn: a, TokenOut: b}, {TokenIn: c, TokenOut: a}}}
	assert.False(t, brokenCustody.Valid())

	notClosed := Route{Hops: []Hop{{TokenIn: a, TokenOut: b}}}
	assert.False(t, notClosed.Valid())

	assert.False(t, Route{}.Valid())
}

func TestRoute_CrossChainDetectsBridgeHop(t *testing.T) {
	a, b := TokenRef{Token: 1, Chain: 1}, TokenRef{Token: 1, Chain: 2}

	sameChain := Route{Hops: []Hop{{Protocol: ProtocolV2, TokenIn: a, TokenOut: a}}}
	assert.False(t, sameChain.CrossChain())

	bridged := Route{Hops: []Hop{{Protocol: ProtocolBridge, TokenIn: a, TokenOut: b}}}
	assert.True(t, bridged.CrossChain())
}

func TestOpportunity_NetProfitConsistent(t *testing.T) {
	opp := Opportunity{
		GrossProfitUSD: decimal.NewFromInt(100),
		GasCostUSD:     decimal.NewFromInt(10),
		FlashFeeUSD:    decimal.NewFromInt(5),
		BridgeFeeUSD:   decimal.NewFromInt(2),
		NetProfitUSD:   decimal.NewFromInt(83),
	}
	assert.True(t, opp.NetProfitConsistent())

	opp.NetProfitUSD = decimal.NewFromInt(84)
	assert.False(t, opp.NetProfitConsistent())
}

func TestFingerprint_IsZeroAndString(t *testing.T) {
	var zero Fingerprint
	assert.True(t, zero.IsZero())

	nonZero := Fingerprint{0xde, 0xad, 0xbe, 0xef}
	assert.False(t, nonZero.IsZero())
	assert.Len(t, nonZero.String(), 32)
	assert.Equal(t, "deadbeef", nonZero.String()[:8])
	assert.Equal(t, "000000000000000000000000", nonZero.String()[8:])
}

func TestExecutionOutcome_FailureAndSuccess(t *testing.T) {
	assert.True(t, OutcomeReverted.Failure())
	assert.True(t, OutcomeTimeout.Failure())
	assert.False(t, OutcomeIncluded.Failure())
	assert.False(t, OutcomeRejected.Failure())
	assert.False(t, OutcomeSubmitted.Failure())

	assert.True(t, OutcomeIncluded.Success())
	assert.False(t, OutcomeReverted.Success())
	assert.False(t, OutcomeSimulatedOK.Success())
}

func TestProviderRateBps_KnownProviders(t *testing.T) {
	assert.Equal(t, int64(9), ProviderRateBps(FlashLoanAave))
	assert.Equal(t, int64(0), ProviderRateBps(FlashLoanBalancer))
	assert.Equal(t, int64(2), ProviderRateBps(FlashLoanDyDx))
}
