package decision

// classTally accumulates one vote class.
type classTally struct {
	decision      FinalDecision
	score         uint64
	maxConfidence uint8
	count         int
}

// Aggregate combines contributions into one Summary. The result depends only on
// the contribution order and cfg; no maps are iterated.
//
// Candidates are narrowed by highest score, then highest single confidence,
// then highest count. A tie that survives all three resolves to the safest
// class (Block, then Escalate, then Proceed) and is tagged DECISION_TIE_FAIL_CLOSED.
//
// The decision confidence is the winner's score as a share of the total
// attainable score, that is every counted contribution voting at confidence 100.
func Aggregate(contributions []Contribution, cfg AggregatorConfig) Summary {
	summary := Summary{
		DecisionRationaleCodes: []string{},
		Contributions:          append([]Contribution{}, contributions...),
		Threshold:              cfg.MinConfidenceToProceed,
	}

	if len(contributions) == 0 {
		summary.FinalDecision = Block
		summary.DecisionRationaleCodes = append(summary.DecisionRationaleCodes, CodeNoContributions)
		return summary
	}

	tallies := make([]classTally, len(tieBreakOrder))
	for i, d := range tieBreakOrder {
		tallies[i].decision = d
	}
	// total is the attainable score across all counted votes.
	var total uint64
	for _, c := range contributions {
		idx, err := c.Vote.rank()
		if err != nil {
			// Unknown votes never count toward any class.
			continue
		}
		t := &tallies[idx]
		s := uint64(c.Confidence) * uint64(c.Weight)
		t.score += s
		total += 100 * uint64(c.Weight)
		t.count++
		if c.Confidence > t.maxConfidence {
			t.maxConfidence = c.Confidence
		}
	}

	candidates := make([]classTally, 0, len(tallies))
	for _, t := range tallies {
		if t.count > 0 {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		summary.FinalDecision = Block
		summary.DecisionRationaleCodes = append(summary.DecisionRationaleCodes, CodeNoContributions)
		return summary
	}

	candidates = keepMax(candidates, func(t classTally) uint64 { return t.score })
	candidates = keepMax(candidates, func(t classTally) uint64 { return uint64(t.maxConfidence) })
	candidates = keepMax(candidates, func(t classTally) uint64 { return uint64(t.count) })

	winner := candidates[0]
	if len(candidates) > 1 {
		// candidates preserve tieBreakOrder, so the first is the safest.
		summary.DecisionRationaleCodes = append(summary.DecisionRationaleCodes, CodeTieFailClosed)
	}

	summary.DecisionConfidence = percentOf(winner.score, total)
	summary.FinalDecision = winner.decision

	if summary.FinalDecision == Proceed && summary.DecisionConfidence < cfg.MinConfidenceToProceed {
		summary.FinalDecision = Block
		summary.DecisionRationaleCodes = append(summary.DecisionRationaleCodes, CodeConfidenceBelowThreshold)
	}
	if summary.FinalDecision == Escalate {
		summary.DecisionRationaleCodes = append(summary.DecisionRationaleCodes, CodeEscalated)
	}
	return summary
}

func keepMax(in []classTally, key func(classTally) uint64) []classTally {
	var best uint64
	for _, t := range in {
		if k := key(t); k > best {
			best = k
		}
	}
	out := in[:0:0]
	for _, t := range in {
		if key(t) == best {
			out = append(out, t)
		}
	}
	return out
}

// percentOf returns round(part*100/total) with integer half-up rounding, capped at 100.
func percentOf(part, total uint64) uint8 {
	if total == 0 {
		return 0
	}
	v := (part*100 + total/2) / total
	if v > 100 {
		v = 100
	}
	return uint8(v)
}
