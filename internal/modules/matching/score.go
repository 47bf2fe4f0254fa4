// README: Candidate scoring and ranking.
package matching

import (
	"math/rand"
	"sort"
	"time"

	"roadside/internal/config"
)

type ranked struct {
	Candidate
	Score float64
	ETA   time.Duration
}

// score blends normalised distance, rating, heartbeat freshness and prior
// service into a single value in [0, sum(weights)].
func score(c Candidate, radiusM int, now time.Time, staleAfter time.Duration, w config.WeightsConfig) float64 {
	dist := 1.0
	if radiusM > 0 {
		dist = 1 - clamp01(c.DistanceM/float64(radiusM))
	}
	rating := clamp01(c.Rating / 5)
	fresh := 1.0
	if staleAfter > 0 && !c.LastSeen.IsZero() {
		fresh = 1 - clamp01(float64(now.Sub(c.LastSeen))/float64(staleAfter))
	}
	prior := 0.0
	if c.Prior {
		prior = 1
	}
	return w.Distance*dist + w.Rating*rating + w.Availability*fresh + w.Prior*prior
}

// rank orders candidates best first. Equal scores are shuffled so the same
// executor does not always win a tie.
func rank(cands []Candidate, radiusM int, now time.Time, cfg config.SearchConfig, rng *rand.Rand) []ranked {
	out := make([]ranked, len(cands))
	for i, c := range cands {
		out[i] = ranked{Candidate: c, Score: score(c, radiusM, now, cfg.StaleAfter, cfg.Weights)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	shuffleTies(out, rng)
	return out
}

func shuffleTies(list []ranked, rng *rand.Rand) {
	if rng == nil {
		return
	}
	for start := 0; start < len(list); {
		end := start + 1
		for end < len(list) && list[end].Score == list[start].Score {
			end++
		}
		if end-start > 1 {
			group := list[start:end]
			rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		}
		start = end
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
