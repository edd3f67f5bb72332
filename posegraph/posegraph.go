// Package posegraph assembles scored pairwise relative poses into absolute
// camera poses. Missing pairs are bridged by composing through intermediate
// cameras, then every camera reachable from a chosen anchor is posed in the
// anchor's frame.
package posegraph

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/stereo"
)

// Key identifies a directed camera pair: A's frame into B's frame.
type Key struct {
	A int
	B int
}

// BuildStats describes what bridging did to the graph.
type BuildStats struct {
	// Iterations is the number of bridging passes run, including the final
	// pass that found nothing to add.
	Iterations int
	// Bridged counts the pairs synthesized by composition.
	Bridged int
	// Missing counts the unordered pairs still absent after bridging.
	Missing int
	// CapHit reports whether bridging stopped at the iteration cap rather
	// than at a fixed point.
	CapHit bool
}

// Graph holds the directed pair set over the observed ports. Both
// orientations of every pair are stored, so lookups never need to invert.
type Graph struct {
	pairs  map[Key]stereo.Pair
	ports  []int
	stats  BuildStats
	logger golog.Logger
}

// Build seeds a graph with the measured pairs and their inverses, then
// bridges missing pairs by composing through intermediates until no pair can
// be added. Each bridging pass works from the pair set as it stood at the
// start of the pass, so a bridge never feeds another bridge within the same
// pass; passes are capped at ports squared. Duplicate measurements keep the
// better score.
func Build(pairs []stereo.Pair, logger golog.Logger) *Graph {
	g := &Graph{pairs: map[Key]stereo.Pair{}, logger: logger}
	portSet := map[int]struct{}{}
	for _, p := range pairs {
		if p.PortA == p.PortB {
			logger.Warnw("dropping self pair", "port", p.PortA)
			continue
		}
		if p.Pose == nil {
			logger.Warnw("dropping pair with no pose", "port_a", p.PortA, "port_b", p.PortB)
			continue
		}
		g.insert(p)
		portSet[p.PortA] = struct{}{}
		portSet[p.PortB] = struct{}{}
	}
	g.ports = make([]int, 0, len(portSet))
	for port := range portSet {
		g.ports = append(g.ports, port)
	}
	sort.Ints(g.ports)

	g.bridge()
	return g
}

func (g *Graph) insert(p stereo.Pair) {
	if existing, ok := g.pairs[Key{p.PortA, p.PortB}]; ok && existing.Score <= p.Score {
		return
	}
	g.pairs[Key{p.PortA, p.PortB}] = p
	inv := p.Invert()
	g.pairs[Key{inv.PortA, inv.PortB}] = inv
}

func (g *Graph) bridge() {
	if len(g.ports) == 0 {
		return
	}
	iterationCap := len(g.ports) * len(g.ports)
	for {
		if g.stats.Iterations >= iterationCap {
			g.stats.CapHit = true
			g.logger.Warnw("bridging stopped at iteration cap", "iterations", g.stats.Iterations)
			break
		}
		g.stats.Iterations++

		var added []stereo.Pair
		for i, a := range g.ports {
			for _, b := range g.ports[i+1:] {
				if _, ok := g.pairs[Key{a, b}]; ok {
					continue
				}
				if pair, ok := g.cheapestBridge(a, b); ok {
					added = append(added, pair)
				}
			}
		}
		if len(added) == 0 {
			break
		}
		for _, pair := range added {
			g.insert(pair)
			g.stats.Bridged++
			g.logger.Debugw("bridged pair",
				"port_a", pair.PortA, "port_b", pair.PortB, "score", pair.Score)
		}
	}

	for i, a := range g.ports {
		for _, b := range g.ports[i+1:] {
			if _, ok := g.pairs[Key{a, b}]; !ok {
				g.stats.Missing++
			}
		}
	}
	if g.stats.Missing > 0 {
		g.logger.Warnw("pose graph incomplete after bridging",
			"missing_pairs", g.stats.Missing, "bridged", g.stats.Bridged)
	}
}

// cheapestBridge composes a-k-b over the intermediate k minimizing the
// summed score. The bridge inherits that sum as its own score, so composed
// pairs stay comparable with measured ones.
func (g *Graph) cheapestBridge(a, b int) (stereo.Pair, bool) {
	var best stereo.Pair
	found := false
	for _, k := range g.ports {
		if k == a || k == b {
			continue
		}
		ak, ok := g.pairs[Key{a, k}]
		if !ok {
			continue
		}
		kb, ok := g.pairs[Key{k, b}]
		if !ok {
			continue
		}
		score := ak.Score + kb.Score
		if !found || score < best.Score {
			best = stereo.Pair{
				PortA: a,
				PortB: b,
				Pose:  spatialmath.Compose(kb.Pose, ak.Pose),
				Score: score,
			}
			found = true
		}
	}
	return best, found
}

// Pair returns the directed pair mapping port a's frame into port b's.
func (g *Graph) Pair(a, b int) (stereo.Pair, bool) {
	p, ok := g.pairs[Key{a, b}]
	return p, ok
}

// Pairs returns every forward pair (PortA < PortB), measured and bridged,
// ordered by port.
func (g *Graph) Pairs() []stereo.Pair {
	var out []stereo.Pair
	for i, a := range g.ports {
		for _, b := range g.ports[i+1:] {
			if p, ok := g.pairs[Key{a, b}]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// Ports returns every port appearing in some pair, ascending.
func (g *Graph) Ports() []int {
	return append([]int(nil), g.ports...)
}

// Stats returns the bridging statistics.
func (g *Graph) Stats() BuildStats {
	return g.stats
}

func (g *Graph) neighbors(port int) []int {
	var out []int
	for _, n := range g.ports {
		if n == port {
			continue
		}
		if _, ok := g.pairs[Key{port, n}]; ok {
			out = append(out, n)
		}
	}
	return out
}

// components returns the connected components of the undirected pair graph,
// each sorted ascending, ordered by their smallest port.
func (g *Graph) components() [][]int {
	visited := map[int]bool{}
	var comps [][]int
	for _, start := range g.ports {
		if visited[start] {
			continue
		}
		visited[start] = true
		comp := []int{start}
		queue := []int{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, n := range g.neighbors(cur) {
				if !visited[n] {
					visited[n] = true
					comp = append(comp, n)
					queue = append(queue, n)
				}
			}
		}
		sort.Ints(comp)
		comps = append(comps, comp)
	}
	return comps
}

func (g *Graph) largestComponent() []int {
	var best []int
	for _, comp := range g.components() {
		if len(comp) > len(best) {
			best = comp
		}
	}
	return best
}

func (g *Graph) componentOf(port int) []int {
	for _, comp := range g.components() {
		for _, p := range comp {
			if p == port {
				return comp
			}
		}
	}
	return nil
}

// solve runs a deterministic cheapest-path search from the anchor over the
// pair edges, composing each port's pose along its winning path. Returned
// maps cover every port reachable from the anchor.
func (g *Graph) solve(anchor int) (map[int]*spatialmath.Pose, map[int]float64) {
	poses := map[int]*spatialmath.Pose{anchor: spatialmath.NewZeroPose()}
	costs := map[int]float64{anchor: 0}
	done := map[int]bool{}
	for {
		cur := -1
		for _, port := range g.ports {
			if done[port] {
				continue
			}
			if cost, ok := costs[port]; ok && (cur < 0 || cost < costs[cur]) {
				cur = port
			}
		}
		if cur < 0 {
			break
		}
		done[cur] = true
		for _, n := range g.neighbors(cur) {
			pair := g.pairs[Key{cur, n}]
			next := costs[cur] + pair.Score
			if old, seen := costs[n]; !seen || next < old {
				costs[n] = next
				poses[n] = spatialmath.Compose(pair.Pose, poses[cur])
			}
		}
	}
	return poses, costs
}

// selectAnchor picks the component port whose composition paths to the rest
// of the component are cheapest in total, ties to the lowest port.
func (g *Graph) selectAnchor(comp []int) int {
	best := -1
	bestTotal := 0.0
	for _, candidate := range comp {
		_, costs := g.solve(candidate)
		var total float64
		for _, port := range comp {
			total += costs[port]
		}
		if best < 0 || total < bestTotal {
			best = candidate
			bestTotal = total
		}
	}
	return best
}

// Apply poses the cameras of the graph's largest connected component in the
// automatically selected anchor's frame. The input array is not modified; the
// returned array carries the new poses, and the returned ports are the
// non-ignored cameras left unposed. An empty graph poses nothing and is not
// an error.
func (g *Graph) Apply(cams *camera.Array) (*camera.Array, []int, error) {
	comp := g.largestComponent()
	if len(comp) == 0 {
		posed := cams.Clone()
		unposed := unposedPorts(posed)
		g.logger.Warnw("pose graph has no usable pairs, no cameras posed", "unposed", unposed)
		return posed, unposed, nil
	}
	return g.applyAnchored(cams, comp, g.selectAnchor(comp))
}

// ApplyWithAnchor is Apply with a caller-chosen anchor camera; the posed set
// is the anchor's connected component even when a larger one exists.
func (g *Graph) ApplyWithAnchor(cams *camera.Array, anchor int) (*camera.Array, []int, error) {
	comp := g.componentOf(anchor)
	if comp == nil {
		return nil, nil, errors.Errorf("anchor port %d has no pairwise estimates", anchor)
	}
	return g.applyAnchored(cams, comp, anchor)
}

func (g *Graph) applyAnchored(cams *camera.Array, comp []int, anchor int) (*camera.Array, []int, error) {
	poses, costs := g.solve(anchor)

	posed := cams.Clone()
	for _, port := range comp {
		cam, ok := posed.Camera(port)
		if !ok {
			return nil, nil, errors.Errorf("pose graph references port %d missing from the array", port)
		}
		cam.Pose = poses[port]
		g.logger.Debugw("posed camera",
			"port", port, "anchor", anchor, "path_cost", costs[port])
	}

	unposed := unposedPorts(posed)
	if len(unposed) > 0 {
		g.logger.Warnw("cameras left unposed", "ports", unposed, "anchor", anchor)
	}
	return posed, unposed, nil
}

func unposedPorts(cams *camera.Array) []int {
	var unposed []int
	for _, port := range cams.Ports() {
		cam, _ := cams.Camera(port)
		if !cam.Posed() && !cam.Ignore {
			unposed = append(unposed, port)
		}
	}
	return unposed
}
