package inference

import "sort"

// CTCBeamSearch decodes per-timestep class probabilities into the most
// likely label sequence using prefix beam search. The blank class is the
// last index of each probability row. Returned labels are collapsed, with
// blanks removed.
func CTCBeamSearch(probs [][]float32, beamWidth int) []int {
	if len(probs) == 0 || beamWidth <= 0 {
		return nil
	}
	blank := len(probs[0]) - 1

	type scores struct {
		blank    float64
		nonBlank float64
	}
	type prefixKey string

	encode := func(labels []int) prefixKey {
		buf := make([]byte, 0, len(labels)*2)
		for _, l := range labels {
			buf = append(buf, byte(l>>8), byte(l))
		}
		return prefixKey(buf)
	}

	beams := map[prefixKey][]int{"": {}}
	beamScores := map[prefixKey]scores{"": {blank: 1, nonBlank: 0}}

	for _, row := range probs {
		nextBeams := make(map[prefixKey][]int, len(beams)*2)
		nextScores := make(map[prefixKey]scores, len(beams)*2)

		add := func(labels []int, addBlank, addNonBlank float64) {
			key := encode(labels)
			s, ok := nextScores[key]
			if !ok {
				nextBeams[key] = labels
			}
			s.blank += addBlank
			s.nonBlank += addNonBlank
			nextScores[key] = s
		}

		for key, labels := range beams {
			s := beamScores[key]
			total := s.blank + s.nonBlank

			// Stay on the same prefix via a blank.
			add(labels, total*float64(row[blank]), 0)

			var last = -1
			if len(labels) > 0 {
				last = labels[len(labels)-1]
			}
			for c := 0; c < blank; c++ {
				p := float64(row[c])
				if p == 0 {
					continue
				}
				extended := make([]int, len(labels)+1)
				copy(extended, labels)
				extended[len(labels)] = c
				if c == last {
					// A repeated label collapses unless a blank separated
					// the two emissions.
					add(labels, 0, s.nonBlank*p)
					add(extended, 0, s.blank*p)
					continue
				}
				add(extended, 0, total*p)
			}
		}

		type ranked struct {
			key   prefixKey
			total float64
		}
		order := make([]ranked, 0, len(nextScores))
		for key, s := range nextScores {
			order = append(order, ranked{key: key, total: s.blank + s.nonBlank})
		}
		sort.Slice(order, func(i, j int) bool { return order[i].total > order[j].total })
		if len(order) > beamWidth {
			order = order[:beamWidth]
		}

		beams = make(map[prefixKey][]int, len(order))
		beamScores = make(map[prefixKey]scores, len(order))
		for _, r := range order {
			beams[r.key] = nextBeams[r.key]
			beamScores[r.key] = nextScores[r.key]
		}
	}

	var best []int
	bestScore := -1.0
	for key, labels := range beams {
		s := beamScores[key]
		if total := s.blank + s.nonBlank; total > bestScore {
			bestScore = total
			best = labels
		}
	}
	return best
}
