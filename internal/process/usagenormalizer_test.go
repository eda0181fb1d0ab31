package process

import (
	"testing"

	"github.com/maestro/maestro/internal/parser"
)

// TestUsageNormalizer_CumulativeThenStickyPerTurn exercises spec §8's
// scenario 1: a cumulative-reporting agent whose counters eventually go
// non-monotonic must flip to per-turn and stay that way.
func TestUsageNormalizer_CumulativeThenStickyPerTurn(t *testing.T) {
	n := NewUsageNormalizer()
	const session = "s1"

	cases := []struct {
		in   parser.UsageStats
		want parser.UsageStats
	}{
		{parser.UsageStats{Input: 500, Output: 200}, parser.UsageStats{Input: 500, Output: 200}},
		{parser.UsageStats{Input: 1200, Output: 600}, parser.UsageStats{Input: 700, Output: 400}},
		{parser.UsageStats{Input: 300, Output: 150}, parser.UsageStats{Input: 300, Output: 150}},
		{parser.UsageStats{Input: 800, Output: 400}, parser.UsageStats{Input: 800, Output: 400}},
	}

	for i, c := range cases {
		got := n.Normalize(session, "claude-code", c.in)
		if got.Input != c.want.Input || got.Output != c.want.Output {
			t.Fatalf("case %d: got {%d,%d}, want {%d,%d}", i, got.Input, got.Output, c.want.Input, c.want.Output)
		}
	}
}

func TestUsageNormalizer_IdenticalConsecutiveEventsYieldZeroDelta(t *testing.T) {
	n := NewUsageNormalizer()
	n.Normalize("s1", "codex", parser.UsageStats{Input: 100, Output: 50})
	got := n.Normalize("s1", "codex", parser.UsageStats{Input: 100, Output: 50})
	if got.Input != 0 || got.Output != 0 {
		t.Fatalf("expected all-zero delta, got %+v", got)
	}

	// A third, larger observation must still be treated as cumulative
	// (the sticky flag only flips on a strict decrease).
	got = n.Normalize("s1", "codex", parser.UsageStats{Input: 150, Output: 50})
	if got.Input != 50 || got.Output != 0 {
		t.Fatalf("expected delta {50,0}, got %+v", got)
	}
}

func TestUsageNormalizer_UngatedAgentPassesThroughRaw(t *testing.T) {
	n := NewUsageNormalizer()
	raw := parser.UsageStats{Input: 500, Output: 200}
	got := n.Normalize("s1", "opencode", raw)
	if got != raw {
		t.Fatalf("expected ungated agent to pass through unchanged, got %+v", got)
	}
	// No state should have been retained for an ungated agent.
	if _, ok := n.sessions["s1"]; ok {
		t.Fatalf("expected no session state for ungated agent")
	}
}

func TestUsageNormalizer_Forget(t *testing.T) {
	n := NewUsageNormalizer()
	n.Normalize("s1", "codex", parser.UsageStats{Input: 10, Output: 5})
	n.Forget("s1")
	if _, ok := n.sessions["s1"]; ok {
		t.Fatalf("expected state cleared after Forget")
	}
}
