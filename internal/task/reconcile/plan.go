package reconcile

import (
	"sort"

	"tasksched/internal/task/shard"
)

// Plan is the set of changes one cycle applies.
type Plan struct {
	// Keep lists shards present on both sides; Start and Stop carry their
	// per-shard deltas too.
	Keep  []string
	Start map[string]int
	Stop  map[string]int
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool { return len(p.Start) == 0 && len(p.Stop) == 0 }

// Normalize clamps negative counts to zero, drops zero entries and removes
// the reserved reconciler key. dropped reports whether that key was present.
func Normalize(desired map[string]int) (out map[string]int, dropped bool) {
	out = make(map[string]int, len(desired))
	for k, v := range desired {
		if k == shard.Reconciler {
			dropped = true
			continue
		}
		if v > 0 {
			out[k] = v
		}
	}
	return out, dropped
}

// Cap bounds the total of desired to limit. Shards are served greedily in
// lexicographic order against a shared budget; shards left with nothing are
// omitted. limit <= 0 means no cap.
func Cap(desired map[string]int, limit int) map[string]int {
	if limit <= 0 || Total(desired) <= limit {
		return desired
	}
	out := make(map[string]int, len(desired))
	budget := limit
	for _, k := range sortedKeys(desired) {
		n := min(desired[k], budget)
		if n <= 0 {
			continue
		}
		out[k] = n
		budget -= n
	}
	return out
}

// Diff computes the start/stop operations that turn current into desired.
// Shards only in current are stopped entirely, shards only in desired are
// started entirely and shared shards move by their difference.
func Diff(current, desired map[string]int) Plan {
	p := Plan{Start: map[string]int{}, Stop: map[string]int{}}
	for _, k := range sortedKeys(current) {
		have := current[k]
		want, ok := desired[k]
		if !ok {
			if have > 0 {
				p.Stop[k] = have
			}
			continue
		}
		p.Keep = append(p.Keep, k)
		switch {
		case want > have:
			p.Start[k] = want - have
		case want < have:
			p.Stop[k] = have - want
		}
	}
	for k, want := range desired {
		if _, ok := current[k]; !ok && want > 0 {
			p.Start[k] = want
		}
	}
	return p
}

func Total(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
