package opportunity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChainlinkFeedReader abstracts a Chainlink aggregator's latestRoundData
// call so PriceOracle can be tested without a live RPC endpoint. The
// chain selects which RPC connection serves the read; each chain's
// aggregators live behind their own endpoint.
type ChainlinkFeedReader interface {
	LatestRoundData(ctx context.Context, chain ChainID, feed common.Address) (answer decimal.Decimal, updatedAt time.Time, err error)
}

// feedReaderMux fans LatestRoundData out to the reader registered for
// each chain.
type feedReaderMux struct {
	readers map[ChainID]ChainlinkFeedReader
}

func NewFeedReaderMux(readers map[ChainID]ChainlinkFeedReader) ChainlinkFeedReader {
	return &feedReaderMux{readers: readers}
}

func (m *feedReaderMux) LatestRoundData(ctx context.Context, chain ChainID, feed common.Address) (decimal.Decimal, time.Time, error) {
	r, ok := m.readers[chain]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("no chainlink reader registered for chain %d", chain)
	}
	return r.LatestRoundData(ctx, chain, feed)
}

// HTTPPriceFetcher is the tertiary, external-HTTP price tier.
type HTTPPriceFetcher interface {
	FetchUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceOracle resolves a token's USD price via a tiered fallback chain:
// Chainlink feed -> TWAP median -> external HTTP. It never fabricates a
// price; it fails with PriceUnavailable only once every tier misses.
type PriceOracle struct {
	logger *logger.Logger

	feeds        map[ChainID]map[TokenID]common.Address // registered chainlink feeds
	feedReader   ChainlinkFeedReader
	maxFeedStale time.Duration

	twap       TwapWindow
	maxTwapAge time.Duration

	http        HTTPPriceFetcher
	httpTimeout time.Duration

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[cacheKey]cacheEntry
}

type cacheKey struct {
	chain ChainID
	token TokenID
}

type cacheEntry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// PriceOracleConfig wires the three tiers and their timeouts/TTLs.
type PriceOracleConfig struct {
	Feeds        map[ChainID]map[TokenID]common.Address
	FeedReader   ChainlinkFeedReader
	MaxFeedStale time.Duration // default 3600s

	TwapWindow TwapWindow
	MaxTwapAge time.Duration

	HTTP        HTTPPriceFetcher
	HTTPTimeout time.Duration // default 500ms

	CacheTTL time.Duration // default 10s
}

func NewPriceOracle(log *logger.Logger, cfg PriceOracleConfig) *PriceOracle {
	if cfg.MaxFeedStale <= 0 {
		cfg.MaxFeedStale = 3600 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 500 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Second
	}
	return &PriceOracle{
		logger:       log.Named("price-oracle"),
		feeds:        cfg.Feeds,
		feedReader:   cfg.FeedReader,
		maxFeedStale: cfg.MaxFeedStale,
		twap:         cfg.TwapWindow,
		maxTwapAge:   cfg.MaxTwapAge,
		http:         cfg.HTTP,
		httpTimeout:  cfg.HTTPTimeout,
		cacheTTL:     cfg.CacheTTL,
		cache:        make(map[cacheKey]cacheEntry),
	}
}

// PriceUSD resolves token's USD price on chain, trying each tier in
// order and caching the result for cacheTTL.
func (p *PriceOracle) PriceUSD(ctx context.Context, token TokenID, chain ChainID) (decimal.Decimal, error) {
	key := cacheKey{chain: chain, token: token}

	p.mu.Lock()
	if e, ok := p.cache[key]; ok && time.Now().Before(e.expiresAt) {
		p.mu.Unlock()
		return e.price, nil
	}
	p.mu.Unlock()

	price, err := p.resolve(ctx, token, chain)
	if err != nil {
		return decimal.Zero, err
	}

	p.mu.Lock()
	p.cache[key] = cacheEntry{price: price, expiresAt: time.Now().Add(p.cacheTTL)}
	p.mu.Unlock()

	return price, nil
}

func (p *PriceOracle) resolve(ctx context.Context, token TokenID, chain ChainID) (decimal.Decimal, error) {
	if price, ok := p.tryChainlink(ctx, token, chain); ok {
		return price, nil
	}
	if price, ok := p.tryTwap(token, chain); ok {
		return price, nil
	}
	if price, ok := p.tryHTTP(ctx, token, chain); ok {
		return price, nil
	}
	p.logger.Warn("price unavailable across all tiers", zap.Uint32("chain", uint32(chain)), zap.Uint8("token", uint8(token)))
	return decimal.Zero, ErrPriceUnavailable
}

func (p *PriceOracle) tryChainlink(ctx context.Context, token TokenID, chain ChainID) (decimal.Decimal, bool) {
	if p.feedReader == nil {
		return decimal.Zero, false
	}
	chainFeeds, ok := p.feeds[chain]
	if !ok {
		return decimal.Zero, false
	}
	feed, ok := chainFeeds[token]
	if !ok {
		return decimal.Zero, false
	}

	answer, updatedAt, err := p.feedReader.LatestRoundData(ctx, chain, feed)
	if err != nil {
		p.logger.Debug("chainlink feed read failed", zap.Error(err))
		return decimal.Zero, false
	}
	if time.Since(updatedAt) > p.maxFeedStale {
		p.logger.Debug("chainlink feed stale, falling through", zap.Duration("age", time.Since(updatedAt)))
		return decimal.Zero, false
	}
	return answer, true
}

// USDQuotePair is the (token, USD-quote) pair under which the TWAP tier
// stores and reads per-token USD prices. Token 0 is reserved for the
// USD-pegged quote asset on every chain.
func USDQuotePair(token TokenRef) TokenPair {
	return TokenPair{
		Base:  token,
		Quote: TokenRef{Token: 0, Chain: token.Chain, Variant: VariantCanonical},
	}
}

func (p *PriceOracle) tryTwap(token TokenID, chain ChainID) (decimal.Decimal, bool) {
	if p.twap == nil {
		return decimal.Zero, false
	}
	pair := USDQuotePair(TokenRef{Token: token, Chain: chain, Variant: VariantCanonical})

	value, ok := p.twap.TWAP(pair)
	if !ok {
		return decimal.Zero, false
	}
	return value.ToDecimal(), true
}

func (p *PriceOracle) tryHTTP(ctx context.Context, token TokenID, chain ChainID) (decimal.Decimal, bool) {
	if p.http == nil {
		return decimal.Zero, false
	}
	ctx, cancel := context.WithTimeout(ctx, p.httpTimeout)
	defer cancel()

	price, err := p.http.FetchUSD(ctx, fmt.Sprintf("token-%d", token))
	if err != nil {
		p.logger.Debug("http fallback price fetch failed", zap.Error(err))
		return decimal.Zero, false
	}
	return price, true
}

// DeviationBps returns the deviation, in basis points, between dexPrice
// and the resolved oracle price; used by ProfitEngine/SafetyGate as the
// manipulation filter.
func (p *PriceOracle) DeviationBps(ctx context.Context, token TokenID, chain ChainID, dexPrice decimal.Decimal) (uint32, error) {
	oraclePrice, err := p.PriceUSD(ctx, token, chain)
	if err != nil {
		return 0, err
	}
	if oraclePrice.IsZero() {
		return 0, ErrPriceUnavailable
	}
	diff := dexPrice.Sub(oraclePrice).Abs()
	bps := diff.Div(oraclePrice).Mul(decimal.NewFromInt(10_000))
	return uint32(bps.IntPart()), nil
}

// httpPriceFetcher is the production HTTPPriceFetcher: a small
// primary-then-fallback client over simple-price JSON endpoints.
type httpPriceFetcher struct {
	primaryURL  string
	fallbackURL string
	client      *http.Client
}

func NewHTTPPriceFetcher(primaryURL, fallbackURL string, timeout time.Duration) HTTPPriceFetcher {
	return &httpPriceFetcher{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		client:      &http.Client{Timeout: timeout},
	}
}

type simplePriceResponse struct {
	USD decimal.Decimal `json:"usd"`
}

func (h *httpPriceFetcher) FetchUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := h.fetchFrom(ctx, h.primaryURL, symbol)
	if err == nil {
		return price, nil
	}
	if h.fallbackURL == "" {
		return decimal.Zero, err
	}
	return h.fetchFrom(ctx, h.fallbackURL, symbol)
}

func (h *httpPriceFetcher) fetchFrom(ctx context.Context, base, symbol string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+symbol, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price fetch returned status %d", resp.StatusCode)
	}
	var out simplePriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}
	return out.USD, nil
}

// aggregatorV3ABI is the minimal Chainlink AggregatorV3Interface ABI
// fragment needed for latestRoundData.
const aggregatorV3ABI = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

// ChainlinkCaller is satisfied by *EVMClient (an ethclient.Client
// wrapper, see evm.go) and by bind.ContractCaller for tests.
type ChainlinkCaller interface {
	bind.ContractCaller
}

// evmChainlinkFeedReader implements ChainlinkFeedReader over a live
// EVM RPC connection.
type evmChainlinkFeedReader struct {
	caller ChainlinkCaller
	parsed abi.ABI
}

func NewEVMChainlinkFeedReader(caller ChainlinkCaller) (ChainlinkFeedReader, error) {
	parsed, err := abi.JSON(jsonReader(aggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse chainlink abi: %w", err)
	}
	return &evmChainlinkFeedReader{caller: caller, parsed: parsed}, nil
}

func (r *evmChainlinkFeedReader) LatestRoundData(ctx context.Context, _ ChainID, feed common.Address) (decimal.Decimal, time.Time, error) {
	data, err := r.parsed.Pack("latestRoundData")
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	out, err := r.caller.CallContract(ctx, bindCallMsg(feed, data), nil)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("chainlink call: %w", err)
	}

	result, err := r.parsed.Unpack("latestRoundData", out)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	if len(result) != 5 {
		return decimal.Zero, time.Time{}, fmt.Errorf("unexpected latestRoundData arity %d", len(result))
	}

	answer := result[1]
	updatedAt := result[3]
	answerBig, ok := toBigInt(answer)
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("unexpected answer type %T", answer)
	}
	updatedAtBig, ok := toBigInt(updatedAt)
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("unexpected updatedAt type %T", updatedAt)
	}

	// Chainlink USD feeds are 8-decimal fixed point.
	price := decimal.NewFromBigInt(answerBig, -8)
	ts := time.Unix(updatedAtBig.Int64(), 0)
	return price, ts, nil
}
