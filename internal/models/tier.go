package models

import "fmt"

// Tier is a model capability level. Tiers are ordered: haiku < sonnet < opus.
type Tier string

const (
	TierHaiku  Tier = "haiku"
	TierSonnet Tier = "sonnet"
	TierOpus   Tier = "opus"
)

// Tiers lists every tier from lowest to highest capability.
var Tiers = []Tier{TierHaiku, TierSonnet, TierOpus}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Rank returns the position of t on the ladder, or -1 if unknown.
func (t Tier) Rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// Next returns the tier one step above t, clamped at ceiling.
func (t Tier) Next(ceiling Tier) Tier {
	if t.Rank() >= ceiling.Rank() {
		return ceiling
	}
	next := Tiers[t.Rank()+1]
	if next.Rank() > ceiling.Rank() {
		return ceiling
	}
	return next
}

// AtLeast reports whether t is at or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

func (t Tier) String() string {
	return string(t)
}

// ParseTier converts a configuration string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown model tier %q (valid: haiku, sonnet, opus)", s)
	}
	return t, nil
}
