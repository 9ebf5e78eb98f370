package memory

import (
	"math"
	"time"
)

// ExpiryFloor is the recency score below which a temporary-tier entry is
// expired by the rules runner.
const ExpiryFloor = 0.05

// Per-tier half-lives for the exponential recency curve. Chosen so that a
// temporary entry crosses the 0.05 floor at ~10 days and a permanent entry
// would cross it at ~150 days (permanent and core entries never expire; the
// permanent curve only feeds recall scoring).
var (
	halfLifeTemporaryDays = 10.0 / expiryHalfLives
	halfLifePermanentDays = 150.0 / expiryHalfLives
)

// expiryHalfLives is how many half-lives it takes to decay to the 0.05
// floor: 0.5^n = 0.05 => n = log2(20).
var expiryHalfLives = math.Log2(20)

// RecencyScore returns exp2(-ageDays/halfLife) for the entry's tier at the
// given time: 1.0 when fresh, halving every half-life. Core and permanent
// tiers decay on the permanent curve (core is never expired regardless).
func RecencyScore(tier ExpiryTier, updatedAt, now time.Time) float64 {
	ageDays := now.Sub(updatedAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	halfLife := halfLifePermanentDays
	if tier == TierTemporary {
		halfLife = halfLifeTemporaryDays
	}
	return math.Exp2(-ageDays / halfLife)
}

// Expired reports whether an entry of the given tier has decayed below the
// expiry floor. Only temporary entries ever expire.
func Expired(tier ExpiryTier, updatedAt, now time.Time) bool {
	if tier != TierTemporary {
		return false
	}
	return RecencyScore(tier, updatedAt, now) < ExpiryFloor
}
