package bandit

import "sort"

// armScore pairs an arm's key and ID with its adjusted score, so sorting
// for the tie-break never depends on map iteration order.
type armScore struct {
	armID    int64
	key      string
	score    float64
	disabled bool
}

// normalizeAllocate implements spec step 4 verbatim: normalize, uniform
// fallback on an all-zero sum, exploration floor, renormalize, max_step
// clip, renormalize again. Disabled arms are pinned to 0 and excluded
// from every normalization denominator.
func normalizeAllocate(scores []armScore, prev map[int64]float64, epsMin, maxStep float64) map[int64]float64 {
	sort.Slice(scores, func(i, j int) bool { return scores[i].key < scores[j].key })

	enabled := make([]armScore, 0, len(scores))
	for _, s := range scores {
		if !s.disabled {
			enabled = append(enabled, s)
		}
	}

	alloc := make(map[int64]float64, len(scores))
	for _, s := range scores {
		if s.disabled {
			alloc[s.armID] = 0
		}
	}
	if len(enabled) == 0 {
		return alloc
	}

	var total float64
	for _, s := range enabled {
		total += s.score
	}

	if total == 0 {
		uniform := 1.0 / float64(len(enabled))
		for _, s := range enabled {
			alloc[s.armID] = uniform
		}
	} else {
		for _, s := range enabled {
			alloc[s.armID] = s.score / total
		}
	}

	applyFloorAndRenormalize(alloc, enabled, epsMin)
	applyMaxStepAndRenormalize(alloc, enabled, prev, maxStep)

	return alloc
}

func applyFloorAndRenormalize(alloc map[int64]float64, enabled []armScore, epsMin float64) {
	if epsMin <= 0 {
		return
	}
	if epsMin*float64(len(enabled)) >= 1 {
		renormalize(alloc, enabled)
		return
	}
	// Pin every arm below the floor at epsMin and rescale only the
	// unpinned arms into the remaining mass, repeating until no unpinned
	// arm falls below the floor, so renormalizing never undoes the floor.
	floored := make(map[int64]bool, len(enabled))
	for changed := true; changed; {
		changed = false
		var free float64
		for _, s := range enabled {
			if !floored[s.armID] {
				free += alloc[s.armID]
			}
		}
		scale := (1 - epsMin*float64(len(floored))) / free
		for _, s := range enabled {
			if floored[s.armID] {
				continue
			}
			if alloc[s.armID] *= scale; alloc[s.armID] < epsMin {
				alloc[s.armID], floored[s.armID], changed = epsMin, true, true
			}
		}
	}
}

func applyMaxStepAndRenormalize(alloc map[int64]float64, enabled []armScore, prev map[int64]float64, maxStep float64) {
	if maxStep <= 0 {
		return
	}
	for _, s := range enabled {
		old, hadPrev := prev[s.armID]
		if !hadPrev {
			continue
		}
		next := alloc[s.armID]
		if next-old > maxStep {
			alloc[s.armID] = old + maxStep
		} else if old-next > maxStep {
			alloc[s.armID] = old - maxStep
		}
	}
	renormalize(alloc, enabled)
}

func renormalize(alloc map[int64]float64, enabled []armScore) {
	var total float64
	for _, s := range enabled {
		total += alloc[s.armID]
	}
	if total <= 0 {
		uniform := 1.0 / float64(len(enabled))
		for _, s := range enabled {
			alloc[s.armID] = uniform
		}
		return
	}
	for _, s := range enabled {
		alloc[s.armID] = alloc[s.armID] / total
	}
}
