package core

// variantRange is a half-open hash interval [Min, Max) owned by one variant.
type variantRange struct {
	Key string
	Min float64
	Max float64
}

// VariantLookupTable resolves a hash value to a variant key. Intervals are
// contiguous and follow the stored variant order, not percentage order.
type VariantLookupTable struct {
	ranges []variantRange
}

// NewVariantLookupTable builds the lookup table for a flag's variants.
// Percentages summing below 100 leave an unowned tail that resolves to no
// variant.
func NewVariantLookupTable(variants []MultivariateVariant) VariantLookupTable {
	ranges := make([]variantRange, 0, len(variants))
	min := 0.0
	for _, v := range variants {
		max := min + v.RolloutPercentage/100
		ranges = append(ranges, variantRange{Key: v.Key, Min: min, Max: max})
		min = max
	}
	return VariantLookupTable{ranges: ranges}
}

// MatchingVariant returns the key of the first interval containing hash, or
// "" when the hash falls outside every interval.
func (t VariantLookupTable) MatchingVariant(hash float64) string {
	for _, r := range t.ranges {
		if r.Min <= hash && hash < r.Max {
			return r.Key
		}
	}
	return ""
}

// matchingVariantForFlag computes the hash-allocated variant for a flag and
// identifier. The variant hash is computed once per flag evaluation.
func matchingVariantForFlag(flag *FeatureFlag, identifier string) string {
	if flag.Filters.Multivariate == nil {
		return ""
	}
	table := NewVariantLookupTable(flag.Filters.Multivariate.Variants)
	return table.MatchingVariant(Hash(flag.Key, identifier, SaltVariant))
}
