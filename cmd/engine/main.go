package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/DimaJoyti/opportunity-engine/internal/opportunity"
	"github.com/DimaJoyti/opportunity-engine/pkg/config"
	"github.com/DimaJoyti/opportunity-engine/pkg/kafka"
	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"github.com/DimaJoyti/opportunity-engine/pkg/redis"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// chainRuntime carries everything one chain's scanner needs, collected
// while dialing the chain and read again once the shared components
// exist.
type chainRuntime struct {
	chain       opportunity.ChainID
	universe    opportunity.TokenUniverse
	nativeToken opportunity.TokenID
	gasCeiling  *opportunity.Fixed18
}

func main() {
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.NewLogger(cfg.Logging)
	defer log.Sync()

	redisClient, err := redis.NewClientFromConfig(&cfg.Redis)
	if err != nil {
		log.Fatal("failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()

	kafkaProducer, err := kafka.NewProducer(kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		Timeout:      cfg.Kafka.Timeout,
		Compression:  cfg.Kafka.Compression,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
	}, log)
	if err != nil {
		log.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer kafkaProducer.Close()

	metrics := opportunity.NewMetrics(prometheus.DefaultRegisterer)

	twap := opportunity.NewTwapAccumulator(log, 100, 30*time.Second)
	quoter := opportunity.NewDexQuoter(log, opportunity.DexQuoterConfig{
		TokenAddress: tokenAddressResolver(cfg.Blockchain.Chains),
		Metrics:      metrics,
	})
	gasForecaster := opportunity.NewGasForecaster(log, 64)
	routing := opportunity.NewRoutingGraph(log, cfg.Engine.MaxCandidatesPerTick)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dial every chain before assembling the oracle: its Chainlink tier
	// needs each chain's feed registry and RPC reader.
	var runtimes []chainRuntime
	feeds := make(map[opportunity.ChainID]map[opportunity.TokenID]common.Address)
	readers := make(map[opportunity.ChainID]opportunity.ChainlinkFeedReader)
	poolIdx := make(poolIndex)

	for _, chainCfg := range cfg.Blockchain.Chains {
		chain := opportunity.ChainID(chainCfg.ChainID)

		evmClient, err := opportunity.DialEVM(ctx, chainCfg.RPCURL)
		if err != nil {
			log.Error("failed to dial chain, skipping", zap.String("chain", chainCfg.Name), zap.Error(err))
			continue
		}
		defer evmClient.Close()

		gasCeiling := gasCeilingFor(cfg.Engine.MaxGasWeiPerChain, chainCfg.Name)
		quoter.RegisterChain(chain, opportunity.NewPoolCaller(evmClient))
		gasForecaster.RegisterChain(chain, evmClient, gasCeiling)
		if chainCfg.V3QuoterAddr != "" {
			quoter.SetV3Quoter(chain, common.HexToAddress(chainCfg.V3QuoterAddr))
		}

		universe, bySymbol := tokenUniverseFor(chain, chainCfg.Tokens)
		feeds[chain] = chainlinkFeedsFor(log, chainCfg, bySymbol)

		byAddr := make(map[common.Address]opportunity.PoolEntry)
		for _, pool := range poolEntriesFor(log, chain, chainCfg, bySymbol) {
			byAddr[pool.Address] = pool
		}
		poolIdx[chain] = byAddr
		if reader, err := opportunity.NewEVMChainlinkFeedReader(evmClient); err == nil {
			readers[chain] = reader
		} else {
			log.Error("chainlink reader unavailable for chain", zap.String("chain", chainCfg.Name), zap.Error(err))
		}

		nativeToken, ok := bySymbol[chainCfg.NativeTokenSymbol]
		if !ok {
			log.Warn("native token symbol not in token list, defaulting to token 0",
				zap.String("chain", chainCfg.Name), zap.String("symbol", chainCfg.NativeTokenSymbol))
		}

		runtimes = append(runtimes, chainRuntime{
			chain:       chain,
			universe:    universe,
			nativeToken: nativeToken,
			gasCeiling:  gasCeiling,
		})
	}

	var httpFetcher opportunity.HTTPPriceFetcher
	if cfg.PriceAPI.PrimaryURL != "" {
		httpFetcher = opportunity.NewHTTPPriceFetcher(cfg.PriceAPI.PrimaryURL, cfg.PriceAPI.FallbackURL,
			time.Duration(cfg.PriceAPI.TimeoutMs)*time.Millisecond)
	}
	priceOracle := opportunity.NewPriceOracle(log, opportunity.PriceOracleConfig{
		Feeds:      feeds,
		FeedReader: opportunity.NewFeedReaderMux(readers),
		TwapWindow: twap,
		HTTP:       httpFetcher,
	})

	profitEngine := opportunity.NewProfitEngine(log, opportunity.ProfitEngineConfig{
		MaxImpactBps:  uint32(cfg.Engine.MaxImpactBps),
		MaxTwapDevBps: uint32(cfg.Engine.MaxTwapDevBps),
		MinProfitUSD:  decimal.NewFromFloat(cfg.Engine.MinProfitUSD),
	})
	loanSizer := opportunity.NewLoanSizer(log, profitEngine, opportunity.LoanSizerConfig{
		TVLShareCap: cfg.Engine.TVLShareCap,
		MinLoanUSD:  decimal.NewFromInt(100),
	})
	safetyGate := opportunity.NewSafetyGate(log, opportunity.SafetyGateConfig{
		MaxConcurrentIntentsPerChain: cfg.Engine.MaxConcurrentIntentsPerChain,
		MaxConsecutiveFailures:       cfg.Engine.MaxConsecutiveFailures,
		CooldownSecs:                 cfg.Engine.CooldownSecs,
		FingerprintCooldown:          time.Duration(cfg.Engine.FingerprintCooldownMs) * time.Millisecond,
	}, profitEngine, redisClient, metrics)

	intentBus := opportunity.NewIntentBus(log, kafkaProducer, opportunity.IntentBusConfig{
		Topic:    cfg.Kafka.Topic,
		SpoolDir: cfg.Engine.SpoolDir,
		Metrics:  metrics,
	})
	intentBus.Subscribe(safetyGate)

	supervisor := opportunity.NewEngineSupervisor(log, opportunity.SupervisorDeps{
		PriceOracle:   priceOracle,
		Twap:          twap,
		Quoter:        quoter,
		GasForecaster: gasForecaster,
		SafetyGate:    safetyGate,
		IntentBus:     intentBus,
		ShutdownGrace: 30 * time.Second,
	})

	periods := make(map[opportunity.ChainID]time.Duration)
	for _, rt := range runtimes {
		loanTokenPriceUSD := func(token opportunity.TokenRef) decimal.Decimal {
			price, err := priceOracle.PriceUSD(ctx, token.Token, token.Chain)
			if err != nil {
				return decimal.Zero
			}
			return price
		}

		scanner := opportunity.NewScanner(log, rt.chain, rt.universe, opportunity.ScannerDeps{
			Routing:           routing,
			LoanSizer:         loanSizer,
			SafetyGate:        safetyGate,
			IntentBus:         intentBus,
			GasForecaster:     gasForecaster,
			Quote:             routeQuoterFor(quoter, gasForecaster, priceOracle, twap, rt.chain, rt.nativeToken, poolIdx),
			PoolTVLUSD:        poolTVLFor(quoter, priceOracle, rt.chain, poolIdx),
			LoanTokenPriceUSD: loanTokenPriceUSD,
			TargetLoanUSD:     func(opportunity.Route) decimal.Decimal { return decimal.NewFromInt(10_000) },
			GasCeilingWei:     rt.gasCeiling,
		}, opportunity.ScannerConfig{
			TickBudget: time.Duration(cfg.Engine.TickBudgetMs) * time.Millisecond,
			Metrics:    metrics,
			TierSchedule: opportunity.TierSchedule{
				Tier1Every: cfg.Engine.TierSchedule.Tier1Every,
				Tier2Every: cfg.Engine.TierSchedule.Tier2Every,
				Tier3Every: cfg.Engine.TierSchedule.Tier3Every,
			},
		})

		supervisor.RegisterScanner(rt.chain, scanner)
		periods[rt.chain] = time.Duration(cfg.Engine.TickPeriodMs) * time.Millisecond
	}

	go runGraphRefresher(ctx, log, quoter, priceOracle, gasForecaster, routing, poolIdx, 15*time.Second)
	supervisor.Start(ctx, periods)

	mux := http.NewServeMux()
	mux.Handle(cfg.Monitoring.Prometheus.Path, promhttp.Handler())
	mux.HandleFunc(cfg.Monitoring.HealthCheck.Path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:         cfg.Server.Host + portSuffix(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info("metrics/health server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics/health server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down opportunity engine")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Warn("supervisor shutdown returned error", zap.Error(err))
	}
	_ = srv.Shutdown(shutdownCtx)
}

// tokenUniverseFor partitions a chain's configured tokens into rotation
// tiers and returns the symbol index used to resolve the chainlink feed
// keys and the native gas token.
func tokenUniverseFor(chain opportunity.ChainID, tokens []config.TokenConfig) (opportunity.TokenUniverse, map[string]opportunity.TokenID) {
	var universe opportunity.TokenUniverse
	bySymbol := make(map[string]opportunity.TokenID, len(tokens))
	for _, tc := range tokens {
		ref := opportunity.TokenRef{Token: opportunity.TokenID(tc.ID), Chain: chain}
		bySymbol[tc.Symbol] = opportunity.TokenID(tc.ID)
		switch tc.Tier {
		case 1:
			universe.Tier1 = append(universe.Tier1, ref)
		case 2:
			universe.Tier2 = append(universe.Tier2, ref)
		default:
			universe.Tier3 = append(universe.Tier3, ref)
		}
	}
	return universe, bySymbol
}

// chainlinkFeedsFor resolves the chain's symbol-keyed feed registry into
// TokenID-keyed aggregator addresses.
func chainlinkFeedsFor(log *logger.Logger, chainCfg config.ChainConfig, bySymbol map[string]opportunity.TokenID) map[opportunity.TokenID]common.Address {
	out := make(map[opportunity.TokenID]common.Address, len(chainCfg.ChainlinkFeeds))
	for symbol, addr := range chainCfg.ChainlinkFeeds {
		id, ok := bySymbol[symbol]
		if !ok {
			log.Warn("chainlink feed for unknown token symbol, skipping",
				zap.String("chain", chainCfg.Name), zap.String("symbol", symbol))
			continue
		}
		out[id] = common.HexToAddress(addr)
	}
	return out
}

// tokenAddressResolver indexes every configured token deployment so the
// v3 quoter builds calldata with real token addresses.
func tokenAddressResolver(chains []config.ChainConfig) func(opportunity.TokenRef) common.Address {
	index := make(map[opportunity.TokenRef]common.Address)
	for _, c := range chains {
		for _, tc := range c.Tokens {
			ref := opportunity.TokenRef{Token: opportunity.TokenID(tc.ID), Chain: opportunity.ChainID(c.ChainID)}
			index[ref] = common.HexToAddress(tc.Address)
		}
	}
	return func(ref opportunity.TokenRef) common.Address { return index[ref] }
}

// poolEntriesFor resolves the chain's configured pools into PoolEntry
// values with the pool's canonical on-chain token ordering.
func poolEntriesFor(log *logger.Logger, chain opportunity.ChainID, chainCfg config.ChainConfig, bySymbol map[string]opportunity.TokenID) []opportunity.PoolEntry {
	var out []opportunity.PoolEntry
	for _, pc := range chainCfg.Pools {
		t0, ok0 := bySymbol[pc.Token0]
		t1, ok1 := bySymbol[pc.Token1]
		if !ok0 || !ok1 {
			log.Warn("pool references unknown token symbol, skipping",
				zap.String("chain", chainCfg.Name), zap.String("pool", pc.Address))
			continue
		}
		var protocol opportunity.Protocol
		switch pc.Protocol {
		case "v2":
			protocol = opportunity.ProtocolV2
		case "v3":
			protocol = opportunity.ProtocolV3
		case "stable":
			protocol = opportunity.ProtocolStable
		default:
			log.Warn("pool has unknown protocol, skipping",
				zap.String("chain", chainCfg.Name), zap.String("protocol", pc.Protocol))
			continue
		}
		out = append(out, opportunity.PoolEntry{
			Chain:    chain,
			Protocol: protocol,
			Address:  common.HexToAddress(pc.Address),
			Token0:   opportunity.TokenRef{Token: t0, Chain: chain},
			Token1:   opportunity.TokenRef{Token: t1, Chain: chain},
			FeeBps:   pc.FeeBps,
			Meta:     opportunity.PoolMeta{StableIndexIn: pc.StableI, StableIndexOut: pc.StableJ, Underlying: pc.Underlying},
		})
	}
	return out
}

// poolIndex maps each chain's configured pools by address so hop-level
// callbacks recover the pool's canonical token ordering (reserve reads
// come back in that order, not hop order) and protocol metadata.
type poolIndex map[opportunity.ChainID]map[common.Address]opportunity.PoolEntry

func (idx poolIndex) entryFor(chain opportunity.ChainID, hop opportunity.Hop) opportunity.PoolEntry {
	if byAddr, ok := idx[chain]; ok {
		if e, ok := byAddr[hop.PoolOrBridge]; ok {
			if e.Protocol == opportunity.ProtocolStable {
				e.Meta.StableIndexIn, e.Meta.StableIndexOut = hop.StableI, hop.StableJ
			}
			return e
		}
	}
	return poolEntryForHop(chain, hop)
}

// poolEntryForHop synthesizes an entry for a hop whose pool is not in
// the configured index, assuming hop order matches pool order.
func poolEntryForHop(chain opportunity.ChainID, hop opportunity.Hop) opportunity.PoolEntry {
	return opportunity.PoolEntry{
		Chain:    chain,
		Protocol: hop.Protocol,
		Address:  hop.PoolOrBridge,
		Token0:   hop.TokenIn,
		Token1:   hop.TokenOut,
		FeeBps:   hop.FeeTier,
		Meta:     opportunity.PoolMeta{StableIndexIn: hop.StableI, StableIndexOut: hop.StableJ},
	}
}

type poolDirection struct {
	entry   opportunity.PoolEntry
	in, out opportunity.TokenRef
}

// poolDirections yields the pool traversed both ways; stable index
// metadata swaps with the direction.
func poolDirections(pool opportunity.PoolEntry) [2]poolDirection {
	reverse := pool
	reverse.Meta.StableIndexIn, reverse.Meta.StableIndexOut = pool.Meta.StableIndexOut, pool.Meta.StableIndexIn
	return [2]poolDirection{
		{entry: pool, in: pool.Token0, out: pool.Token1},
		{entry: reverse, in: pool.Token1, out: pool.Token0},
	}
}

// v2PoolTVLUSD prices both reserve sides of a v2 pool through the
// oracle.
func v2PoolTVLUSD(ctx context.Context, quoter *opportunity.DexQuoter, oracle *opportunity.PriceOracle, chain opportunity.ChainID, pool opportunity.PoolEntry) (decimal.Decimal, bool) {
	r0, r1, err := quoter.PoolReserves(ctx, chain, pool)
	if err != nil {
		return decimal.Zero, false
	}
	p0, err0 := oracle.PriceUSD(ctx, pool.Token0.Token, chain)
	p1, err1 := oracle.PriceUSD(ctx, pool.Token1.Token, chain)
	if err0 != nil || err1 != nil {
		return decimal.Zero, false
	}
	tvl := opportunity.NewFixed18FromWei(r0).ToDecimal().Mul(p0).
		Add(opportunity.NewFixed18FromWei(r1).ToDecimal().Mul(p1))
	return tvl, true
}

// runGraphRefresher periodically rebuilds the routing graph's edge set
// from unit quotes across every configured pool, pricing edge liquidity
// through the oracle. The graph swaps epochs copy-on-write, so scanners
// mid-tick keep a consistent view.
func runGraphRefresher(ctx context.Context, log *logger.Logger, quoter *opportunity.DexQuoter, oracle *opportunity.PriceOracle, gasForecaster *opportunity.GasForecaster, routing *opportunity.RoutingGraph, pools poolIndex, period time.Duration) {
	refresh := func() {
		unit := opportunity.NewFixed18FromInt64(1)
		var edges []opportunity.QuoteEdge
		for chain, byAddr := range pools {
			gasWei := opportunity.ZeroFixed18()
			if forecast, ok := gasForecaster.Forecast(chain); ok {
				gasWei = forecast.PredictedNextWei.MulRat(150_000, 1)
			}
			for _, pool := range byAddr {
				for _, dir := range poolDirections(pool) {
					res := quoter.QuoteBatch(ctx, []opportunity.QuoteRequest{{
						Chain: chain, Pool: dir.entry, TokenIn: dir.in, AmountIn: unit,
					}})
					if len(res) == 0 || res[0].Err != nil || res[0].Quote == nil {
						continue
					}
					ratio, _ := res[0].Quote.AmountOut.Div(res[0].Quote.AmountIn).ToDecimal().Float64()
					liquidity := 0.0
					if pool.Protocol == opportunity.ProtocolV2 {
						if tvl, ok := v2PoolTVLUSD(ctx, quoter, oracle, chain, pool); ok {
							liquidity, _ = tvl.Float64()
						}
					}
					edges = append(edges, opportunity.QuoteEdge{
						From: dir.in,
						To:   dir.out,
						Hop: opportunity.Hop{
							Protocol:     pool.Protocol,
							PoolOrBridge: pool.Address,
							TokenIn:      dir.in,
							TokenOut:     dir.out,
							FeeTier:      pool.FeeBps,
							StableI:      dir.entry.Meta.StableIndexIn,
							StableJ:      dir.entry.Meta.StableIndexOut,
						},
						Chain:        chain,
						PriceRatio:   ratio,
						GasWei:       gasWei,
						LiquidityUSD: liquidity,
					})
				}
			}
		}
		routing.Refresh(edges)
		log.Debug("routing graph refreshed", zap.Int("edges", len(edges)))
	}

	refresh()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// routeQuoterFor adapts DexQuoter's per-pool batch API into the
// per-route opportunity.RouteQuoter callback LoanSizer drives: it chains
// each hop's quoted amount_out into the next hop's amount_in,
// accumulates the per-hop price impact, feeds each hop's DEX-implied USD
// price into the TWAP window, and measures the worst TWAP deviation
// along the route, pulling the gas forecast and USD prices in at
// evaluation time rather than caching them across ticks.
func routeQuoterFor(quoter *opportunity.DexQuoter, gasForecaster *opportunity.GasForecaster, oracle *opportunity.PriceOracle, twap *opportunity.TwapAccumulator, chain opportunity.ChainID, nativeToken opportunity.TokenID, pools poolIndex) opportunity.RouteQuoter {
	return func(ctx context.Context, route opportunity.Route, loanAmount *opportunity.Fixed18) (opportunity.ProfitInputs, error) {
		amountIn := loanAmount
		var gasUnits uint64
		var impactBps, maxDevBps uint32
		for _, hop := range route.Hops {
			reqs := []opportunity.QuoteRequest{{
				Chain:    chain,
				Pool:     pools.entryFor(chain, hop),
				TokenIn:  hop.TokenIn,
				AmountIn: amountIn,
			}}
			results := quoter.QuoteBatch(ctx, reqs)
			if len(results) == 0 || results[0].Err != nil || results[0].Quote == nil {
				var quoteErr error
				if len(results) > 0 {
					quoteErr = results[0].Err
				}
				return opportunity.ProfitInputs{}, quoteErr
			}
			q := results[0].Quote

			impactBps = saturatingAddBps(impactBps, q.PriceImpactBps)

			// The DEX-implied USD price of each hop's token_out feeds the
			// TWAP window, which both the oracle's second tier and the
			// deviation gate read.
			ratio := q.AmountOut.Div(q.AmountIn)
			if inPrice, err := oracle.PriceUSD(ctx, hop.TokenIn.Token, chain); err == nil && ratio.Sign() > 0 {
				implied := inPrice.Div(ratio.ToDecimal())
				_ = twap.Observe(opportunity.USDQuotePair(hop.TokenOut), opportunity.Fixed18FromDecimal(implied), q.ObservedAt)
				if dev, err := oracle.DeviationBps(ctx, hop.TokenOut.Token, chain, implied); err == nil && dev > maxDevBps {
					maxDevBps = dev
				}
			}

			amountIn = q.AmountOut
			gasUnits += 150_000
		}

		loanToken := route.Hops[0].TokenIn
		gasPriceWei := opportunity.ZeroFixed18()
		if forecast, ok := gasForecaster.Forecast(chain); ok {
			gasPriceWei = forecast.PredictedNextWei
		}
		nativePriceUSD := decimal.Zero
		if p, err := oracle.PriceUSD(ctx, nativeToken, chain); err == nil {
			nativePriceUSD = p
		}
		loanTokenPriceUSD := decimal.Zero
		if p, err := oracle.PriceUSD(ctx, loanToken.Token, chain); err == nil {
			loanTokenPriceUSD = p
		}

		return opportunity.ProfitInputs{
			Route:             route,
			Chain:             chain,
			LoanToken:         loanToken,
			LoanAmount:        loanAmount,
			AmountOutEnd:      amountIn,
			PriceImpactBps:    impactBps,
			TwapDeviationBps:  maxDevBps,
			GasUnits:          gasUnits,
			GasPriceWei:       gasPriceWei,
			NativePriceUSD:    nativePriceUSD,
			LoanTokenPriceUSD: loanTokenPriceUSD,
		}, nil
	}
}

// poolTVLFor estimates the thinnest pool's TVL along a route by reading
// v2 reserves directly and pricing both sides through the oracle. Pools
// whose reserves or prices cannot be resolved are skipped; zero means no
// pool on the route could be valued, which LoanSizer treats as
// insufficient liquidity.
func poolTVLFor(quoter *opportunity.DexQuoter, oracle *opportunity.PriceOracle, chain opportunity.ChainID, pools poolIndex) func(opportunity.Route) decimal.Decimal {
	return func(route opportunity.Route) decimal.Decimal {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		min := decimal.Zero
		for _, hop := range route.Hops {
			if hop.Protocol != opportunity.ProtocolV2 {
				continue
			}
			tvl, ok := v2PoolTVLUSD(ctx, quoter, oracle, chain, pools.entryFor(chain, hop))
			if !ok {
				continue
			}
			if min.IsZero() || tvl.LessThan(min) {
				min = tvl
			}
		}
		return min
	}
}

func saturatingAddBps(a, b uint32) uint32 {
	if s := a + b; s <= 10_000 {
		return s
	}
	return 10_000
}

// gasCeilingFor parses the configured per-chain gas ceiling (wei, as a
// decimal string keyed by chain name) into a Fixed18, or nil if this
// chain has no configured ceiling (SafetyGate then skips the gas check).
func gasCeilingFor(maxGasWeiPerChain map[string]string, chainName string) *opportunity.Fixed18 {
	raw, ok := maxGasWeiPerChain[chainName]
	if !ok {
		return nil
	}
	wei, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return opportunity.NewFixed18FromWei(wei)
}

func portSuffix(port int) string {
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf(":%d", port)
}
