package core

import "testing"

func TestVariantLookupTableHalfOpenIntervals(t *testing.T) {
	table := NewVariantLookupTable([]MultivariateVariant{
		{Key: "a", RolloutPercentage: 50},
		{Key: "b", RolloutPercentage: 25},
		{Key: "c", RolloutPercentage: 25},
	})

	tests := []struct {
		hash float64
		want string
	}{
		{0.0, "a"},
		{0.25, "a"},
		{0.4999, "a"},
		{0.5, "b"}, // boundary belongs to the next interval
		{0.6, "b"},
		{0.7499, "b"},
		{0.75, "c"},
		{0.9999, "c"},
	}
	for _, tt := range tests {
		if got := table.MatchingVariant(tt.hash); got != tt.want {
			t.Errorf("MatchingVariant(%v) = %q, want %q", tt.hash, got, tt.want)
		}
	}
}

func TestVariantLookupTableFiftyFiftyBoundary(t *testing.T) {
	table := NewVariantLookupTable([]MultivariateVariant{
		{Key: "a", RolloutPercentage: 50},
		{Key: "b", RolloutPercentage: 50},
	})
	if got := table.MatchingVariant(0.5); got != "b" {
		t.Fatalf("MatchingVariant(0.5) = %q, want %q", got, "b")
	}
}

func TestVariantLookupTablePartialSumLeavesTail(t *testing.T) {
	table := NewVariantLookupTable([]MultivariateVariant{
		{Key: "a", RolloutPercentage: 30},
		{Key: "b", RolloutPercentage: 30},
	})
	if got := table.MatchingVariant(0.61); got != "" {
		t.Fatalf("MatchingVariant(0.61) = %q, want no variant", got)
	}
	if got := table.MatchingVariant(0.59); got != "b" {
		t.Fatalf("MatchingVariant(0.59) = %q, want %q", got, "b")
	}
}

func TestVariantLookupTableStoredOrderAuthoritative(t *testing.T) {
	// Intervals accumulate in input order even when percentages are unsorted.
	table := NewVariantLookupTable([]MultivariateVariant{
		{Key: "small", RolloutPercentage: 10},
		{Key: "large", RolloutPercentage: 90},
	})
	if got := table.MatchingVariant(0.05); got != "small" {
		t.Fatalf("MatchingVariant(0.05) = %q, want %q", got, "small")
	}
	if got := table.MatchingVariant(0.1); got != "large" {
		t.Fatalf("MatchingVariant(0.1) = %q, want %q", got, "large")
	}
}

func TestVariantLookupTableEmpty(t *testing.T) {
	table := NewVariantLookupTable(nil)
	if got := table.MatchingVariant(0.0); got != "" {
		t.Fatalf("MatchingVariant on empty table = %q, want empty", got)
	}
}

func TestMatchingVariantForFlagDeterministic(t *testing.T) {
	flag := &FeatureFlag{
		Key: "experiment",
		Filters: FlagFilters{
			Multivariate: &Multivariate{Variants: []MultivariateVariant{
				{Key: "control", RolloutPercentage: 50},
				{Key: "test", RolloutPercentage: 50},
			}},
		},
	}
	first := matchingVariantForFlag(flag, "user-42")
	second := matchingVariantForFlag(flag, "user-42")
	if first == "" {
		t.Fatal("expected a variant for full 100% allocation")
	}
	if first != second {
		t.Fatalf("variant allocation not stable: %q != %q", first, second)
	}
}
