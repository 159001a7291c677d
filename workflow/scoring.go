package workflow

import (
	"sort"
	"sync"
	"time"
)

// Scoring weights and smoothing.
const (
	weightSuccess  = 0.5
	weightLoad     = 0.3
	weightDuration = 0.2

	durationAlpha = 0.3
	successPrior  = 0.5
)

// PerformanceStat tracks how one agent does on one kind of task.
type PerformanceStat struct {
	AgentID     string        `json:"agent_id"`
	Kind        TaskKind      `json:"kind"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"` // EMA
}

// Samples returns the number of recorded outcomes.
func (s PerformanceStat) Samples() int {
	return s.Successes + s.Failures
}

// SuccessRate is the plain success ratio, or 0.5 before any sample.
func (s PerformanceStat) SuccessRate() float64 {
	n := s.Samples()
	if n == 0 {
		return successPrior
	}
	return float64(s.Successes) / float64(n)
}

// Reliability is the Laplace-smoothed success rate. It moves toward the
// observed rate as samples accumulate.
func (s PerformanceStat) Reliability() float64 {
	return float64(s.Successes+1) / float64(s.Samples()+2)
}

// Score combines success rate, spare capacity and speed:
//
//	0.5·successRate + 0.3·(1 − load/maxLoad) + 0.2·(1/max(avgSeconds, 1))
func Score(successRate float64, load, maxLoad int, avgDuration time.Duration) float64 {
	if maxLoad < 1 {
		maxLoad = 1
	}
	spare := 1 - float64(load)/float64(maxLoad)
	if spare < 0 {
		spare = 0
	}
	secs := avgDuration.Seconds()
	if secs < 1 {
		secs = 1
	}
	return weightSuccess*successRate + weightLoad*spare + weightDuration/secs
}

// Candidate is an agent eligible for a task.
type Candidate struct {
	AgentID string
	Load    int // in-flight assignments
	MaxLoad int
}

type statKey struct {
	agent string
	kind  TaskKind
}

// Scorer keeps per (agent, kind) statistics and ranks candidates.
type Scorer struct {
	mu    sync.RWMutex
	stats map[statKey]*PerformanceStat
}

// NewScorer creates an empty scorer.
func NewScorer() *Scorer {
	return &Scorer{stats: make(map[statKey]*PerformanceStat)}
}

// Record adds one outcome. The first duration seeds the average.
func (s *Scorer) Record(agentID string, kind TaskKind, success bool, d time.Duration) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := statKey{agentID, kind}
	st := s.stats[k]
	if st == nil {
		st = &PerformanceStat{AgentID: agentID, Kind: kind}
		s.stats[k] = st
	}
	if st.Samples() == 0 {
		st.AvgDuration = d
	} else {
		st.AvgDuration = time.Duration(durationAlpha*float64(d) + (1-durationAlpha)*float64(st.AvgDuration))
	}
	if success {
		st.Successes++
	} else {
		st.Failures++
	}
}

// Stat returns the statistics for agentID on kind.
func (s *Scorer) Stat(agentID string, kind TaskKind) PerformanceStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st := s.stats[statKey{agentID, kind}]; st != nil {
		return *st
	}
	return PerformanceStat{AgentID: agentID, Kind: kind}
}

// Stats returns every recorded statistic sorted by agent then kind.
func (s *Scorer) Stats() []PerformanceStat {
	s.mu.RLock()
	out := make([]PerformanceStat, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Score rates one candidate for kind.
func (s *Scorer) Score(kind TaskKind, c Candidate) float64 {
	st := s.Stat(c.AgentID, kind)
	return Score(st.SuccessRate(), c.Load, c.MaxLoad, st.AvgDuration)
}

// Select returns the highest scoring candidate with spare capacity. Ties
// go to the lowest agent id.
func (s *Scorer) Select(kind TaskKind, candidates []Candidate) (Candidate, float64, bool) {
	var (
		best      Candidate
		bestScore float64
		found     bool
	)
	for _, c := range candidates {
		if c.Load >= max(c.MaxLoad, 1) {
			continue
		}
		score := s.Score(kind, c)
		if !found || score > bestScore || (score == bestScore && c.AgentID < best.AgentID) {
			best, bestScore, found = c, score, true
		}
	}
	return best, bestScore, found
}
