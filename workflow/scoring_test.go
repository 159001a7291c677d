package workflow

import (
	"math"
	"testing"
	"time"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		load    int
		maxLoad int
		avg     time.Duration
		want    float64
	}{
		{"fresh idle agent", 0.5, 0, 4, 0, 0.5*0.5 + 0.3 + 0.2},
		{"half loaded", 1, 2, 4, 0, 0.5 + 0.15 + 0.2},
		{"slow agent", 1, 0, 1, 4 * time.Second, 0.5 + 0.3 + 0.05},
		{"sub-second counts as one", 0, 0, 1, 200 * time.Millisecond, 0.3 + 0.2},
		{"overloaded floors spare", 1, 5, 2, 0, 0.5 + 0.2},
		{"zero max load treated as one", 1, 0, 0, 0, 0.5 + 0.3 + 0.2},
	}
	for _, tt := range tests {
		if got := Score(tt.rate, tt.load, tt.maxLoad, tt.avg); !approx(got, tt.want) {
			t.Errorf("%s: Score = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPerformanceStat_Rates(t *testing.T) {
	var s PerformanceStat
	if s.SuccessRate() != 0.5 {
		t.Errorf("prior = %v, want 0.5", s.SuccessRate())
	}
	s.Successes, s.Failures = 3, 1
	if s.SuccessRate() != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", s.SuccessRate())
	}
	if !approx(s.Reliability(), 4.0/6.0) {
		t.Errorf("Reliability = %v, want 0.667", s.Reliability())
	}
}

func TestScorer_RecordEMA(t *testing.T) {
	s := NewScorer()
	s.Record("a", KindSequential, true, 10*time.Second)
	s.Record("a", KindSequential, false, 20*time.Second)

	st := s.Stat("a", KindSequential)
	if st.Successes != 1 || st.Failures != 1 {
		t.Errorf("counts = %d/%d, want 1/1", st.Successes, st.Failures)
	}
	// 0.3*20s + 0.7*10s
	if d := st.AvgDuration - 13*time.Second; d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("AvgDuration = %v, want 13s", st.AvgDuration)
	}
	if other := s.Stat("a", KindLoop); other.Samples() != 0 {
		t.Error("stats are per kind")
	}

	s.Record("", KindSequential, true, time.Second)
	if len(s.Stats()) != 1 {
		t.Errorf("Stats = %v, want only agent a", s.Stats())
	}
}

func TestScorer_Select(t *testing.T) {
	s := NewScorer()

	// Equal scores: lowest id wins.
	c, _, ok := s.Select(KindSequential, []Candidate{
		{AgentID: "b", MaxLoad: 1},
		{AgentID: "a", MaxLoad: 1},
	})
	if !ok || c.AgentID != "a" {
		t.Errorf("tie pick = %s, want a", c.AgentID)
	}

	// Spare capacity beats the tie-break.
	c, _, _ = s.Select(KindSequential, []Candidate{
		{AgentID: "a", Load: 1, MaxLoad: 2},
		{AgentID: "b", Load: 0, MaxLoad: 2},
	})
	if c.AgentID != "b" {
		t.Errorf("load pick = %s, want b", c.AgentID)
	}

	// History beats spare capacity.
	s.Record("a", KindSequential, true, time.Second)
	s.Record("b", KindSequential, false, time.Second)
	c, _, _ = s.Select(KindSequential, []Candidate{
		{AgentID: "a", Load: 1, MaxLoad: 2},
		{AgentID: "b", Load: 0, MaxLoad: 2},
	})
	if c.AgentID != "a" {
		t.Errorf("history pick = %s, want a", c.AgentID)
	}

	// Full agents are never picked.
	if _, _, ok := s.Select(KindSequential, []Candidate{{AgentID: "a", Load: 2, MaxLoad: 2}}); ok {
		t.Error("full agent should not be selected")
	}
}
