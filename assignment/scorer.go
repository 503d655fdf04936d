package assignment

import (
	"sort"

	"servicehub/provider"
)

// Urgency mirrors the requests.urgency column.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Requirements is the slice of a request the scorer cares about.
type Requirements struct {
	Category   string
	Urgency    Urgency
	BudgetHint float64
}

// Weights parameterise the scoring formula. They travel as an explicit value
// into every engine call so per-deployment tuning never hides behind globals.
type Weights struct {
	Specialization float64
	Experience     float64
	Rating         float64
	Reputation     float64
	Availability   float64
	BudgetFit      float64
}

// DefaultWeights returns the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Specialization: 30,
		Experience:     15,
		Rating:         15,
		Reputation:     10,
		Availability:   20,
		BudgetFit:      10,
	}
}

// experienceCapYears bounds the experience term so veterans don't dwarf every
// other factor.
const experienceCapYears = 20

// Score computes the deterministic match score for one candidate. Callers must
// have excluded over-capacity candidates already; a candidate at its limit
// scores negative infinity-equivalent via Select's filter, never here.
func Score(req Requirements, c provider.Provider, w Weights) float64 {
	var s float64

	if req.Category != "" && hasSpecialization(c, req.Category) {
		s += w.Specialization
	}

	years := float64(c.ExperienceYears)
	if years > experienceCapYears {
		years = experienceCapYears
	}
	s += w.Experience * years / experienceCapYears

	s += w.Rating * c.Rating / 5
	s += w.Reputation * c.Reputation / 5

	// Low load earns a bonus; high load costs more as urgency climbs.
	load := 0.0
	if c.MaxActive > 0 {
		load = float64(c.ActiveCount) / float64(c.MaxActive)
	}
	s += w.Availability * (1 - load)
	s -= w.Availability * urgencyFactor(req.Urgency) * load

	if req.BudgetHint > 0 && c.Rate > 0 && c.Rate <= req.BudgetHint {
		s += w.BudgetFit
	}

	return s
}

func urgencyFactor(u Urgency) float64 {
	switch u {
	case UrgencyHigh:
		return 2.0
	case UrgencyMedium:
		return 1.5
	default:
		return 1.0
	}
}

func hasSpecialization(c provider.Provider, category string) bool {
	for _, s := range c.Specializations {
		if s == category {
			return true
		}
	}
	return false
}

// Ranked pairs a candidate with its computed score.
type Ranked struct {
	Provider provider.Provider
	Score    float64
}

// Select scores the pool and returns candidates in descending preference
// order. Candidates at or over capacity are dropped before scoring. Ties break
// by lowest current workload, then earliest verification date, then id, so the
// ordering is total and repeatable.
func Select(req Requirements, pool []provider.Provider, w Weights) []Ranked {
	ranked := make([]Ranked, 0, len(pool))
	for _, c := range pool {
		if c.ActiveCount >= c.MaxActive {
			continue
		}
		ranked = append(ranked, Ranked{Provider: c, Score: Score(req, c, w)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Provider.ActiveCount != b.Provider.ActiveCount {
			return a.Provider.ActiveCount < b.Provider.ActiveCount
		}
		av, bv := a.Provider.VerifiedAt, b.Provider.VerifiedAt
		switch {
		case av != nil && bv != nil && !av.Equal(*bv):
			return av.Before(*bv)
		case av != nil && bv == nil:
			return true
		case av == nil && bv != nil:
			return false
		}
		return a.Provider.ID < b.Provider.ID
	})

	return ranked
}
