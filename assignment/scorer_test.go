package assignment

import (
	"math"
	"testing"
	"time"

	"servicehub/provider"
)

func candidate(id string, mutate func(*provider.Provider)) provider.Provider {
	c := provider.Provider{
		ID:              id,
		FullName:        "Provider " + id,
		Specializations: []string{"plumbing"},
		ExperienceYears: 10,
		Rating:          4.0,
		Rate:            800,
		Reputation:      4.0,
		ActiveCount:     0,
		MaxActive:       5,
		Available:       true,
	}
	if mutate != nil {
		mutate(&c)
	}
	return c
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore_AllTerms(t *testing.T) {
	w := DefaultWeights()
	req := Requirements{Category: "plumbing", Urgency: UrgencyLow, BudgetHint: 1000}
	c := candidate("p1", nil)

	// specialization 30 + experience 15*10/20 + rating 15*4/5 + reputation
	// 10*4/5 + availability 20*(1-0) - 20*1*0 + budget fit 10
	want := 30.0 + 7.5 + 12.0 + 8.0 + 20.0 + 10.0
	if got := Score(req, c, w); !almostEqual(got, want) {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScore_NoSpecializationMatch(t *testing.T) {
	w := DefaultWeights()
	req := Requirements{Category: "electrical", Urgency: UrgencyLow}

	base := Score(Requirements{Category: "plumbing", Urgency: UrgencyLow}, candidate("p1", nil), w)
	got := Score(req, candidate("p1", nil), w)
	if !almostEqual(base-got, w.Specialization) {
		t.Fatalf("specialization bonus mismatch: base %v, got %v", base, got)
	}
}

func TestScore_ExperienceCapped(t *testing.T) {
	w := DefaultWeights()
	req := Requirements{Category: "plumbing", Urgency: UrgencyLow}

	twenty := Score(req, candidate("p1", func(c *provider.Provider) { c.ExperienceYears = 20 }), w)
	forty := Score(req, candidate("p1", func(c *provider.Provider) { c.ExperienceYears = 40 }), w)
	if !almostEqual(twenty, forty) {
		t.Fatalf("experience should cap at 20 years: %v vs %v", twenty, forty)
	}
}

func TestScore_UrgencyPunishesLoad(t *testing.T) {
	w := DefaultWeights()
	loaded := candidate("p1", func(c *provider.Provider) { c.ActiveCount = 4 })

	low := Score(Requirements{Category: "plumbing", Urgency: UrgencyLow}, loaded, w)
	high := Score(Requirements{Category: "plumbing", Urgency: UrgencyHigh}, loaded, w)
	if high >= low {
		t.Fatalf("high urgency should punish a loaded candidate harder: low=%v high=%v", low, high)
	}

	idle := candidate("p2", nil)
	lowIdle := Score(Requirements{Category: "plumbing", Urgency: UrgencyLow}, idle, w)
	highIdle := Score(Requirements{Category: "plumbing", Urgency: UrgencyHigh}, idle, w)
	if !almostEqual(lowIdle, highIdle) {
		t.Fatalf("urgency must not change an idle candidate's score: %v vs %v", lowIdle, highIdle)
	}
}

func TestScore_BudgetFit(t *testing.T) {
	w := DefaultWeights()
	req := Requirements{Category: "plumbing", Urgency: UrgencyLow, BudgetHint: 500}

	cheap := Score(req, candidate("p1", func(c *provider.Provider) { c.Rate = 400 }), w)
	pricey := Score(req, candidate("p1", func(c *provider.Provider) { c.Rate = 900 }), w)
	if !almostEqual(cheap-pricey, w.BudgetFit) {
		t.Fatalf("budget fit bonus mismatch: cheap=%v pricey=%v", cheap, pricey)
	}
}

func TestSelect_DropsCandidatesAtCapacity(t *testing.T) {
	req := Requirements{Category: "plumbing", Urgency: UrgencyLow}
	pool := []provider.Provider{
		candidate("full", func(c *provider.Provider) { c.ActiveCount = 5 }),
		candidate("free", nil),
	}

	ranked := Select(req, pool, DefaultWeights())
	if len(ranked) != 1 || ranked[0].Provider.ID != "free" {
		t.Fatalf("expected only the under-capacity candidate, got %+v", ranked)
	}
}

func TestSelect_TieBreakOrder(t *testing.T) {
	req := Requirements{Category: "plumbing", Urgency: UrgencyLow}
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// identical scores: differ only in the tie-break keys
	pool := []provider.Provider{
		candidate("c", func(c *provider.Provider) { c.VerifiedAt = &late }),
		candidate("b", func(c *provider.Provider) { c.VerifiedAt = &early }),
		candidate("a", func(c *provider.Provider) { c.VerifiedAt = &late }),
	}

	ranked := Select(req, pool, DefaultWeights())
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked, got %d", len(ranked))
	}
	if ranked[0].Provider.ID != "b" {
		t.Fatalf("earliest verification should win the tie, got %s", ranked[0].Provider.ID)
	}
	if ranked[1].Provider.ID != "a" || ranked[2].Provider.ID != "c" {
		t.Fatalf("equal verification ties should fall back to id order, got %s then %s",
			ranked[1].Provider.ID, ranked[2].Provider.ID)
	}
}

func TestSelect_LowerLoadWinsBeforeVerification(t *testing.T) {
	// Same score requires compensating the availability term, so give the
	// busier candidate a rating bump that exactly offsets its load cost.
	w := Weights{Availability: 20, Rating: 15}
	req := Requirements{Urgency: UrgencyLow}

	busy := candidate("busy", func(c *provider.Provider) {
		c.ActiveCount = 1
		c.MaxActive = 5
		// availability term: 20*(1-0.2) - 20*1*0.2 = 12; idle gets 20.
		// rating must contribute 8 more: 15*r/5 = 8 → r = 8/3 above idle's 0.
		c.Rating = 8.0 / 3.0
	})
	idle := candidate("idle", func(c *provider.Provider) {
		c.ActiveCount = 0
		c.MaxActive = 5
		c.Rating = 0
	})

	ranked := Select(req, []provider.Provider{busy, idle}, w)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked, got %d", len(ranked))
	}
	if !almostEqual(ranked[0].Score, ranked[1].Score) {
		t.Fatalf("test setup broken, scores differ: %v vs %v", ranked[0].Score, ranked[1].Score)
	}
	if ranked[0].Provider.ID != "idle" {
		t.Fatalf("lower workload should win the tie, got %s", ranked[0].Provider.ID)
	}
}
