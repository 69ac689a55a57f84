package core

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

const (
	// SaltVariant selects the independent hash used for variant allocation.
	SaltVariant = "variant"

	// holdoutHashPrefix replaces the flag key for holdout hashing so the same
	// subject lands in the same holdout bucket across every flag.
	holdoutHashPrefix = "holdout-"

	// hashDivisor is the largest value representable by the first 15 hex
	// digits of the digest.
	hashDivisor = 0xFFFFFFFFFFFFFFF
)

// Hash maps (prefix, identifier, salt) to a deterministic float in [0, 1).
//
// An empty identifier hashes to exactly 0.0: a flag can never match a subject
// that has no aggregation identifier, because every rollout comparison is
// strictly-greater-than against the percentage.
func Hash(prefix, identifier, salt string) float64 {
	if identifier == "" {
		return 0.0
	}

	sum := sha1.Sum([]byte(prefix + "." + identifier + salt))
	hexDigest := hex.EncodeToString(sum[:])[:15]

	// 15 hex digits always fit in a uint64; ParseUint cannot fail here.
	value, _ := strconv.ParseUint(hexDigest, 16, 64)

	return float64(value) / float64(uint64(hashDivisor))
}

// HoldoutHash is the cross-flag holdout bucket value for an identifier.
func HoldoutHash(identifier string) float64 {
	return Hash(holdoutHashPrefix, identifier, "")
}
