// Package selector implements NodeSelector: filtering and ranking
// candidate nodes from a NodeRegistry snapshot. The default Select path is
// strictly deterministic (§4.4): two calls over identical input must
// return identical output. The teacher's affinity.Manager.Rank mixes in
// softmax sampling and epsilon-greedy exploration for load spreading; that
// behavior survives here as the opt-in SelectExploratory, kept off the
// path PatternExecutor actually calls.
package selector

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pai3-ceo/powernode-dim/internal/joberr"
	"github.com/pai3-ceo/powernode-dim/internal/registry"
)

// JobClass mirrors the teacher's affinity.JobClass, rebased on the node
// capability flags a model-inference job declares rather than synthetic
// CPU/MEM/GPU percentages.
type JobClass string

const (
	ClassCPUOnly  JobClass = "cpu_only"
	ClassGPUHeavy JobClass = "gpu_heavy"
	ClassMemHeavy JobClass = "mem_heavy"
	ClassGeneral  JobClass = "general"
)

// Filters narrows the candidate set before ranking.
type Filters struct {
	MinReputation    float64
	RequireCapabilities []string
	Allowlist        []string // when non-empty, only these node ids are eligible
	Class            JobClass
}

// Weights parameterizes the ranking formula
// score = w1*reputation - w2*loadFraction - w3*recentFailureRate.
type Weights struct {
	Reputation      float64
	LoadFraction    float64
	RecentFailure   float64
}

func DefaultWeights() Weights {
	return Weights{Reputation: 0.6, LoadFraction: 0.3, RecentFailure: 0.1}
}

// Selector ranks registry nodes by weighted score. failureRates holds the
// per-node recent-failure-rate term set through RecordFailureRate; a node
// with no recorded rate scores 0 on that term.
type Selector struct {
	reg     *registry.Registry
	weights Weights
	failureRates map[string]float64
}

func New(reg *registry.Registry, weights Weights) *Selector {
	return &Selector{reg: reg, weights: weights, failureRates: make(map[string]float64)}
}

// RecordFailureRate lets PatternExecutor feed back recent per-node dispatch
// failure rates so subsequent selections de-prioritize flaky nodes.
func (s *Selector) RecordFailureRate(nodeID string, rate float64) {
	s.failureRates[nodeID] = rate
}

func matchesCapabilities(n registry.NodeRecord, required []string) bool {
	for _, c := range required {
		if !n.Capabilities[c] {
			return false
		}
	}
	return true
}

func matchesClass(n registry.NodeRecord, class JobClass) bool {
	switch class {
	case ClassGPUHeavy:
		return n.Capabilities["gpu"]
	default:
		return true
	}
}

func inAllowlist(nodeID string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == nodeID {
			return true
		}
	}
	return false
}

func (s *Selector) filter(snapshot []registry.NodeRecord, f Filters) []registry.NodeRecord {
	out := make([]registry.NodeRecord, 0, len(snapshot))
	for _, n := range snapshot {
		if n.Status == registry.Stale || n.Status == registry.Evicted {
			continue
		}
		if n.Reputation < f.MinReputation {
			continue
		}
		if !matchesCapabilities(n, f.RequireCapabilities) {
			continue
		}
		if !matchesClass(n, f.Class) {
			continue
		}
		if !inAllowlist(n.NodeID, f.Allowlist) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (s *Selector) score(n registry.NodeRecord) float64 {
	return s.weights.Reputation*n.Reputation -
		s.weights.LoadFraction*n.LoadFraction() -
		s.weights.RecentFailure*s.failureRates[n.NodeID]
}

type scored struct {
	node  registry.NodeRecord
	score float64
}

// Select returns the top n candidates by score, deterministically: ties
// break on lexicographic node id. Returns InsufficientNodes if fewer than
// n candidates survive filtering.
func (s *Selector) Select(f Filters, n int) ([]registry.NodeRecord, error) {
	snap := s.reg.Snapshot()
	cands := s.filter(snap, f)
	if len(cands) < n {
		return nil, joberr.New(joberr.InsufficientNodes, "need %d nodes, have %d eligible", n, len(cands))
	}
	scoredList := make([]scored, len(cands))
	for i, c := range cands {
		scoredList[i] = scored{node: c, score: s.score(c)}
	}
	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].score != scoredList[j].score {
			return scoredList[i].score > scoredList[j].score
		}
		return scoredList[i].node.NodeID < scoredList[j].node.NodeID
	})
	out := make([]registry.NodeRecord, n)
	for i := 0; i < n; i++ {
		out[i] = scoredList[i].node
	}
	return out, nil
}

// SelectExploratory is the opt-in, non-deterministic path for operators
// who want load-spreading: softmax sampling over the top-K scores plus an
// epsilon-greedy jolly pick outside the top-K, exactly the teacher's
// affinity.Manager.Rank shape. Never called by PatternExecutor's default
// dispatch.
func (s *Selector) SelectExploratory(f Filters, n int, topK int, temp, epsilon float64, rnd *rand.Rand) ([]registry.NodeRecord, error) {
	snap := s.reg.Snapshot()
	cands := s.filter(snap, f)
	if len(cands) < n {
		return nil, joberr.New(joberr.InsufficientNodes, "need %d nodes, have %d eligible", n, len(cands))
	}
	scoredList := make([]scored, len(cands))
	for i, c := range cands {
		scoredList[i] = scored{node: c, score: s.score(c)}
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })

	if topK > len(scoredList) {
		topK = len(scoredList)
	}
	top := scoredList[:topK]

	res := make([]registry.NodeRecord, 0, n)
	used := make(map[string]bool)
	pool := make([]float64, len(top))
	for i, c := range top {
		pool[i] = c.score
	}
	for len(res) < n && len(used) < len(top) {
		idx := softmaxPick(rnd, pool, temp)
		cand := top[idx]
		if !used[cand.node.NodeID] {
			res = append(res, cand.node)
			used[cand.node.NodeID] = true
		}
	}
	if epsilon > 0 && rnd.Float64() < epsilon && len(scoredList) > topK && len(res) < n {
		j := topK + rnd.Intn(len(scoredList)-topK)
		res = append(res, scoredList[j].node)
	}
	return res, nil
}

func softmaxPick(r *rand.Rand, xs []float64, temp float64) int {
	if temp <= 0 {
		temp = 0.2
	}
	sum := 0.0
	ws := make([]float64, len(xs))
	for i, v := range xs {
		w := math.Exp(v / temp)
		ws[i] = w
		sum += w
	}
	u := r.Float64() * sum
	acc := 0.0
	for i, w := range ws {
		acc += w
		if u <= acc {
			return i
		}
	}
	return len(xs) - 1
}
