package opportunity

import (
	"math"
	"sort"
	"sync"

	"github.com/DimaJoyti/opportunity-engine/pkg/logger"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// routeNode is one (chain, token, variant) vertex of the routing graph.
type routeNode struct {
	id  int64
	ref TokenRef
}

func (n routeNode) ID() int64 { return n.id }

// routeEdgeMeta carries the hop this graph edge represents; gonum's
// WeightedEdge only models a scalar weight, so the hop payload is kept
// alongside it in RoutingGraph.edgeMeta, keyed by (from,to).
type routeEdgeMeta struct {
	hop          Hop
	chain        ChainID
	gasWei       *Fixed18
	liquidityUSD float64
}

// RoutingGraph maintains the weighted directed multigraph of tradable
// edges across all registered chains and enumerates closed-loop
// candidates via Yen's k-shortest-paths over negative-log price weights.
type RoutingGraph struct {
	logger *logger.Logger

	mu       sync.RWMutex
	g        *simple.WeightedDirectedGraph
	nodeIDs  map[TokenRef]int64
	nodes    map[int64]routeNode
	edgeMeta map[[2]int64][]routeEdgeMeta // parallel edges: one dex pool may coexist with a bridge
	nextID   int64
	epoch    uint64

	maxCandidatesPerTick int
}

func NewRoutingGraph(log *logger.Logger, maxCandidatesPerTick int) *RoutingGraph {
	if maxCandidatesPerTick <= 0 {
		maxCandidatesPerTick = 20
	}
	return &RoutingGraph{
		logger:               log.Named("routing-graph"),
		g:                    simple.NewWeightedDirectedGraph(0, math.Inf(1)),
		nodeIDs:              make(map[TokenRef]int64),
		nodes:                make(map[int64]routeNode),
		edgeMeta:             make(map[[2]int64][]routeEdgeMeta),
		maxCandidatesPerTick: maxCandidatesPerTick,
	}
}

// QuoteEdge describes one directed, weighted edge to insert or refresh:
// a dex quote (same-chain) or a bridge transfer (cross-chain).
type QuoteEdge struct {
	From, To     TokenRef
	Hop          Hop
	Chain        ChainID
	PriceRatio   float64 // amount_out / amount_in, > 0
	GasWei       *Fixed18
	LiquidityUSD float64
}

// Refresh rebuilds the graph's edge set from a fresh batch of quotes,
// copy-on-write: callers build the new edge list off the hot path and
// swap it in, so in-flight reads of the previous epoch are never
// invalidated mid-scan.
func (rg *RoutingGraph) Refresh(edges []QuoteEdge) {
	newGraph := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	newNodeIDs := make(map[TokenRef]int64)
	newNodes := make(map[int64]routeNode)
	newEdgeMeta := make(map[[2]int64][]routeEdgeMeta)
	var nextID int64

	nodeFor := func(ref TokenRef) routeNode {
		if id, ok := newNodeIDs[ref]; ok {
			return newNodes[id]
		}
		id := nextID
		nextID++
		n := routeNode{id: id, ref: ref}
		newNodeIDs[ref] = id
		newNodes[id] = n
		newGraph.AddNode(n)
		return n
	}

	type pendingEdge struct {
		from, to routeNode
		weight   float64
	}
	pending := make([]pendingEdge, 0, len(edges))
	minWeight := 0.0
	for _, e := range edges {
		if e.PriceRatio <= 0 {
			continue // a non-positive ratio has no finite negative-log weight
		}
		if e.From == e.To {
			continue // no self-loops
		}
		from := nodeFor(e.From)
		to := nodeFor(e.To)
		weight := -math.Log(e.PriceRatio)
		if weight < minWeight {
			minWeight = weight
		}
		pending = append(pending, pendingEdge{from: from, to: to, weight: weight})
		key := [2]int64{from.id, to.id}
		newEdgeMeta[key] = append(newEdgeMeta[key], routeEdgeMeta{
			hop: e.Hop, chain: e.Chain, gasWei: e.GasWei, liquidityUSD: e.LiquidityUSD,
		})
	}

	// Yen's path search is Dijkstra-backed and requires non-negative
	// weights, while a profitable edge has -log(ratio) < 0. A uniform
	// shift keeps the relative ordering within each hop count and the
	// survivors are re-ranked and re-quoted downstream anyway.
	shift := -minWeight
	for _, pe := range pending {
		newGraph.SetWeightedEdge(newGraph.NewWeightedEdge(pe.from, pe.to, pe.weight+shift))
	}

	rg.mu.Lock()
	rg.g = newGraph
	rg.nodeIDs = newNodeIDs
	rg.nodes = newNodes
	rg.edgeMeta = newEdgeMeta
	rg.nextID = nextID
	rg.epoch++
	rg.mu.Unlock()
}

// Candidate is one enumerated closed-loop route with the aggregate
// stats RoutingGraph could compute cheaply from edge metadata, ahead of
// a full DexQuoter re-quote.
type Candidate struct {
	Route           Route
	TotalGasWei     *Fixed18
	MinLiquidityUSD float64
	Hops            int
}

// Candidates enumerates same-chain loops of length 2-3 starting and
// ending at start, plus cross-chain loops of up to 4 hops with at most
// one bridge traversal each way, returning at most
// maxCandidatesPerTick entries ranked by fewer hops, then higher
// liquidity, then lower gas.
func (rg *RoutingGraph) Candidates(start TokenRef) []Candidate {
	rg.mu.RLock()
	defer rg.mu.RUnlock()

	startID, ok := rg.nodeIDs[start]
	if !ok {
		return nil
	}

	// Yen's cannot enumerate cycles directly (source == target yields only
	// the trivial path), so expand each outgoing edge start->n and search
	// for the k shortest ways back from n to start. Yen's paths are
	// loopless, so start never reappears mid-path and every cycle is
	// simple and seen exactly once, keyed by its first hop.
	k := rg.maxCandidatesPerTick
	var candidates []Candidate
	neighbors := rg.g.From(startID)
	for neighbors.Next() {
		n := neighbors.Node()
		returns := path.YenKShortestPaths(rg.g, k, math.Inf(1), simple.Node(n.ID()), simple.Node(startID))
		for _, back := range returns {
			if len(back) < 2 || len(back) > 4 { // 1 hop out + up to 3 hops back
				continue
			}
			full := make([]graph.Node, 0, len(back)+1)
			full = append(full, simple.Node(startID))
			full = append(full, back...)
			hops := len(full) - 1
			route, totalGas, minLiquidity, bridges, ok := rg.buildRoute(full)
			if !ok {
				continue
			}
			if bridges > 2 {
				continue // at most one bridge traversal each way
			}
			if bridges == 0 && hops > 3 {
				continue // 4-hop loops are reserved for cross-chain routes
			}
			if !route.Valid() {
				continue
			}
			candidates = append(candidates, Candidate{
				Route: route, TotalGasWei: totalGas, MinLiquidityUSD: minLiquidity, Hops: hops,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Hops != b.Hops {
			return a.Hops < b.Hops
		}
		if a.MinLiquidityUSD != b.MinLiquidityUSD {
			return a.MinLiquidityUSD > b.MinLiquidityUSD
		}
		return a.TotalGasWei.LT(b.TotalGasWei)
	})

	if len(candidates) > rg.maxCandidatesPerTick {
		rg.logger.Debug("truncating candidate list", zap.Int("generated", len(candidates)), zap.Int("cap", rg.maxCandidatesPerTick))
		candidates = candidates[:rg.maxCandidatesPerTick]
	}
	return candidates
}

func (rg *RoutingGraph) buildRoute(p []graph.Node) (Route, *Fixed18, float64, int, bool) {
	var hops []Hop
	totalGas := ZeroFixed18()
	minLiquidity := math.Inf(1)
	bridges := 0

	for i := 0; i < len(p)-1; i++ {
		key := [2]int64{p[i].ID(), p[i+1].ID()}
		metas, ok := rg.edgeMeta[key]
		if !ok || len(metas) == 0 {
			return Route{}, nil, 0, 0, false
		}
		// Prefer the best (lowest-gas) parallel edge when more than one
		// pool connects the same token pair.
		best := metas[0]
		for _, m := range metas[1:] {
			if m.gasWei != nil && best.gasWei != nil && m.gasWei.LT(best.gasWei) {
				best = m
			}
		}
		hops = append(hops, best.hop)
		if best.gasWei != nil {
			totalGas = totalGas.Add(best.gasWei)
		}
		if best.liquidityUSD < minLiquidity {
			minLiquidity = best.liquidityUSD
		}
		if best.hop.Protocol == ProtocolBridge {
			bridges++
		}
	}

	if math.IsInf(minLiquidity, 1) {
		minLiquidity = 0
	}
	return Route{Hops: hops}, totalGas, minLiquidity, bridges, true
}

// Epoch returns the current pool-state refresh epoch, incremented on
// every Refresh call.
func (rg *RoutingGraph) Epoch() uint64 {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.epoch
}
