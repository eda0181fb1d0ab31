package process

import "github.com/maestro/maestro/internal/parser"

// cumulativeGatedTools is the set of agent protocols whose token counters
// are known to sometimes report cumulative (session-wide) totals rather
// than per-turn deltas (spec §4.3's "Agent gating"). Every other protocol
// is passed through unchanged with no per-session state kept.
var cumulativeGatedTools = map[string]bool{
	"claude-code": true,
	"codex":       true,
}

// usageSessionState is the per-session state the Usage Normalizer (L3)
// tracks: the last observed raw totals and whether the agent has been
// observed to report cumulatively.
type usageSessionState struct {
	lastTotals *parser.UsageStats
	isCumulative *bool
}

// UsageNormalizer converts heterogeneous per-turn-or-cumulative token
// counters from agent usage events into a uniform per-turn delta stream
// (spec §4.3). One instance serves every session on a supervisor; state is
// looked up and mutated only from each session's own serialized dispatcher
// goroutine, so no locking is needed beyond the map itself.
type UsageNormalizer struct {
	sessions map[string]*usageSessionState
}

// NewUsageNormalizer creates an empty normalizer.
func NewUsageNormalizer() *UsageNormalizer {
	return &UsageNormalizer{sessions: make(map[string]*usageSessionState)}
}

// Normalize runs the spec §4.3 algorithm for one raw usage observation from
// toolType on sessionID, returning the usage event to actually emit.
// Agents outside cumulativeGatedTools are passed through unchanged and
// never accumulate state (spec §4.3's "Agent gating").
func (n *UsageNormalizer) Normalize(sessionID, toolType string, raw parser.UsageStats) parser.UsageStats {
	if !cumulativeGatedTools[toolType] {
		return raw
	}

	st, ok := n.sessions[sessionID]
	if !ok {
		st = &usageSessionState{}
		n.sessions[sessionID] = st
	}

	// Step 1: already decided per-turn — emit unchanged, keep tracking totals
	// only so a later flip-back is never attempted (the flag is sticky).
	if st.isCumulative != nil && !*st.isCumulative {
		st.lastTotals = &raw
		return raw
	}

	// Step 2: first observation for this session cannot be normalized.
	if st.lastTotals == nil {
		st.lastTotals = &raw
		return raw
	}

	prev := st.lastTotals
	delta := parser.UsageStats{
		Input:         raw.Input - prev.Input,
		Output:        raw.Output - prev.Output,
		CacheRead:     raw.CacheRead - prev.CacheRead,
		CacheCreation: raw.CacheCreation - prev.CacheCreation,
		Reasoning:     raw.Reasoning - prev.Reasoning,
		Cost:          raw.Cost,
		ContextWindow: raw.ContextWindow,
	}

	// Step 3: any strictly negative component means this agent reports
	// per-turn, not cumulative — flip the sticky flag and emit raw.
	if delta.Input < 0 || delta.Output < 0 || delta.CacheRead < 0 ||
		delta.CacheCreation < 0 || delta.Reasoning < 0 {
		falseVal := false
		st.isCumulative = &falseVal
		st.lastTotals = &raw
		return raw
	}

	// Step 4: monotonic (including all-zero) — confirmed cumulative, emit
	// the delta for token fields; cost/contextWindow pass through raw.
	trueVal := true
	st.isCumulative = &trueVal
	st.lastTotals = &raw
	return delta
}

// Forget drops any retained state for a session, called once its
// ManagedProcess has been purged from the registry (spec §3's
// lastUsageTotals/usageIsCumulative only live for the session's lifetime).
func (n *UsageNormalizer) Forget(sessionID string) {
	delete(n.sessions, sessionID)
}
