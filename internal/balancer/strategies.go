package balancer

// logicalCandidate is either a single binding or a multi-key group collapsed
// into one selectable unit with the aggregate weight.
type logicalCandidate struct {
	groupID string // empty for singles
	weight  float64
	members []Candidate // len 1 for singles; key order is stable (config order)
}

// groupCandidates collapses candidates sharing a GroupID into logical
// candidates, preserving the input order for stable tie-breaking.
func (b *Balancer) groupCandidates(candidates []Candidate) []logicalCandidate {
	var out []logicalCandidate
	index := make(map[string]int)
	for _, c := range candidates {
		if c.GroupID == "" {
			out = append(out, logicalCandidate{weight: c.Weight, members: []Candidate{c}})
			continue
		}
		if i, ok := index[c.GroupID]; ok {
			out[i].weight += c.Weight
			out[i].members = append(out[i].members, c)
			continue
		}
		index[c.GroupID] = len(out)
		out = append(out, logicalCandidate{groupID: c.GroupID, weight: c.Weight, members: []Candidate{c}})
	}
	return out
}

// eligibleMembers filters a logical candidate's members through the fault
// substrate and the per-binding concurrency cap.
func (b *Balancer) eligibleMembers(lc logicalCandidate) []Candidate {
	var out []Candidate
	for _, m := range lc.members {
		if !b.substrate.Eligible(m.ID, m.Model) {
			continue
		}
		if m.MaxInFlight > 0 && b.state(m.ID).inFlight.Load() >= int64(m.MaxInFlight) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// pickWeightedRandom selects with probability proportional to weight among
// the eligible set. Because ineligible bindings are excluded before drawing,
// each survivor's share is exactly its redistributed weight. Ties (zero total
// weight) fall back to stable order.
func (b *Balancer) pickWeightedRandom(eligible []logicalCandidate) logicalCandidate {
	var total float64
	for _, lc := range eligible {
		total += lc.weight
	}
	if total <= 0 {
		return eligible[0]
	}
	b.mu.Lock()
	r := b.rng.Float64() * total
	b.mu.Unlock()
	for _, lc := range eligible {
		r -= lc.weight
		if r < 0 {
			return lc
		}
	}
	return eligible[len(eligible)-1]
}

// pickRoundRobin advances the category's monotone cursor.
func (b *Balancer) pickRoundRobin(category string, eligible []logicalCandidate) logicalCandidate {
	n := b.cursor(b.rrCursor, category).Add(1) - 1
	return eligible[int(n%uint64(len(eligible)))]
}

// pickLeastConnections picks the logical candidate with the smallest total
// in-flight count; ties break by weighted random.
func (b *Balancer) pickLeastConnections(eligible []logicalCandidate) logicalCandidate {
	min := int64(-1)
	var tied []logicalCandidate
	for _, lc := range eligible {
		var inFlight int64
		for _, m := range lc.members {
			inFlight += b.state(m.ID).inFlight.Load()
		}
		switch {
		case min < 0 || inFlight < min:
			min = inFlight
			tied = []logicalCandidate{lc}
		case inFlight == min:
			tied = append(tied, lc)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return b.pickWeightedRandom(tied)
}

// pickResponseTime picks the smallest latency EWMA; bindings with no samples
// yet sort first so new capacity gets exercised.
func (b *Balancer) pickResponseTime(eligible []logicalCandidate) logicalCandidate {
	best := eligible[0]
	bestMs := b.groupEwma(best)
	for _, lc := range eligible[1:] {
		if ms := b.groupEwma(lc); ms < bestMs {
			best, bestMs = lc, ms
		}
	}
	return best
}

func (b *Balancer) groupEwma(lc logicalCandidate) float64 {
	var total float64
	for _, m := range lc.members {
		total += b.AvgLatencyMs(m.ID)
	}
	return total / float64(len(lc.members))
}

// pickGroupMember applies strict round robin over the group's non-blacklisted
// keys. Singles return their only member.
func (b *Balancer) pickGroupMember(lc logicalCandidate) Candidate {
	eligible := b.eligibleMembers(lc)
	if len(eligible) == 0 {
		// Select filtered on eligibility already; fall back defensively.
		return lc.members[0]
	}
	if lc.groupID == "" || len(eligible) == 1 {
		return eligible[0]
	}
	n := b.cursor(b.keyRR, lc.groupID).Add(1) - 1
	return eligible[int(n%uint64(len(eligible)))]
}

// RedistributeWeights reallocates the weights of removed bindings among the
// survivors in proportion to the survivors' own weights:
//
//	w'_i = w_i + w_removed * (w_i / Σ_j w_j)
//
// The survivor total equals the original total. Used for the operational
// snapshot; the selection path achieves the same proportions implicitly by
// excluding ineligible bindings before the weighted draw.
func RedistributeWeights(weights map[string]float64, removed map[string]bool) map[string]float64 {
	var removedSum, survivorSum float64
	for id, w := range weights {
		if removed[id] {
			removedSum += w
		} else {
			survivorSum += w
		}
	}
	out := make(map[string]float64, len(weights))
	for id, w := range weights {
		if removed[id] {
			out[id] = 0
			continue
		}
		if survivorSum > 0 {
			out[id] = w + removedSum*(w/survivorSum)
		} else {
			out[id] = 0
		}
	}
	return out
}
