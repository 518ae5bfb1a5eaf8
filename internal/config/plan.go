package config

import (
	"sort"

	"github.com/nuetzliches/chanq/internal/queue"
)

type PolicyAction string

const (
	PolicySet   PolicyAction = "set"
	PolicyClear PolicyAction = "clear"
)

type PolicyChange struct {
	Action PolicyAction
	Policy queue.ChannelPolicy
}

// PlanPolicies returns the changes that turn current into desired, ordered
// by channel name. Channels absent from desired are cleared.
func PlanPolicies(current []queue.ChannelPolicy, desired []Channel) []PolicyChange {
	have := make(map[string]queue.ChannelPolicy, len(current))
	for _, p := range current {
		have[p.Channel] = p
	}

	var out []PolicyChange
	want := make(map[string]struct{}, len(desired))
	for _, ch := range desired {
		p := ch.Policy()
		want[p.Channel] = struct{}{}
		if cur, ok := have[p.Channel]; ok && samePolicy(cur, p) {
			continue
		}
		out = append(out, PolicyChange{Action: PolicySet, Policy: p})
	}
	for _, p := range current {
		if _, ok := want[p.Channel]; !ok {
			out = append(out, PolicyChange{Action: PolicyClear, Policy: queue.ChannelPolicy{Channel: p.Channel}})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Policy.Channel < out[j].Policy.Channel })
	return out
}

func samePolicy(a, b queue.ChannelPolicy) bool {
	return a.Channel == b.Channel &&
		eqPtr(a.MaxConcurrency, b.MaxConcurrency) &&
		eqPtr(a.MaxSize, b.MaxSize) &&
		eqPtr(a.ReleaseIntervalMs, b.ReleaseIntervalMs)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
