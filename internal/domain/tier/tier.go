// Package tier defines the access tiers that partition a patient's medical
// data by sensitivity.
package tier

import (
	"errors"
	"fmt"
)

// Tier identifies one sensitivity level of a patient's data.
type Tier string

const (
	// Early is the low-sensitivity tier: identity, blood group, allergies,
	// emergency contacts. Readable without authentication given a card number.
	Early Tier = "early"

	// Emergency covers current medications, recent surgeries, and accident
	// history. Requires a time-bounded emergency grant.
	Emergency Tier = "emergency"

	// Critical is the full clinical history. Requires primary-doctor status
	// or an approved critical grant.
	Critical Tier = "critical"
)

var ErrUnknownTier = errors.New("unknown access tier")

// All lists every tier in ascending sensitivity order.
func All() []Tier {
	return []Tier{Early, Emergency, Critical}
}

// Parse converts a string into a Tier.
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case Early, Emergency, Critical:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

func (t Tier) String() string { return string(t) }
