package domain

import "strings"

// Tier is a clinical urgency level. The zero value is not a valid tier.
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierHigh     Tier = "HIGH"
	TierMedium   Tier = "MEDIUM"
	TierLow      Tier = "LOW"
)

// Tiers lists the valid tiers from most to least urgent.
var Tiers = []Tier{TierCritical, TierHigh, TierMedium, TierLow}

var legacyTiers = map[string]Tier{
	"CRITICA": TierCritical,
	"CRÍTICA": TierCritical,
	"ALTA":    TierHigh,
	"MEDIA":   TierMedium,
	"BAJA":    TierLow,
}

// ParseTier normalizes a stored or user-supplied tier label. Legacy Spanish
// labels are accepted; anything unrecognized is LOW.
func ParseTier(s string) Tier {
	label := strings.ToUpper(strings.TrimSpace(s))
	if t := Tier(label); t.Valid() {
		return t
	}
	if t, ok := legacyTiers[label]; ok {
		return t
	}
	return TierLow
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierHigh, TierMedium, TierLow:
		return true
	}
	return false
}

// Rank orders tiers by urgency, CRITICAL highest. Invalid tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 4
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	}
	return 0
}

// Urgent reports whether t is HIGH or CRITICAL.
func (t Tier) Urgent() bool {
	return t == TierCritical || t == TierHigh
}

// PrioritySource tells whether a priority came from the pathology category
// or from a clinician's override.
type PrioritySource string

const (
	SourceAutomatic PrioritySource = "AUTOMATIC"
	SourceManual    PrioritySource = "MANUAL"
)

// ManualOverride is a clinician-chosen tier with its mandatory justification.
type ManualOverride struct {
	Tier          Tier
	Justification string
}

// Priority is the resolved priority of a request. Tier is always the
// effective tier; Automatic is kept so callers can show both.
type Priority struct {
	Source        PrioritySource `json:"source"`
	Tier          Tier           `json:"tier"`
	Automatic     Tier           `json:"automatic_tier"`
	Justification *string        `json:"justification,omitempty"`
}

// Effective returns the tier that governs alerts and ordering.
func (p Priority) Effective() Tier {
	return p.Tier
}

// IsManual reports whether a clinician override is in force.
func (p Priority) IsManual() bool {
	return p.Source == SourceManual
}

// AutomaticPriority builds a priority with no override.
func AutomaticPriority(automatic Tier) Priority {
	return Priority{Source: SourceAutomatic, Tier: automatic, Automatic: automatic}
}

// ManualPriority builds an overridden priority.
func ManualPriority(automatic Tier, override ManualOverride) Priority {
	justification := override.Justification
	return Priority{
		Source:        SourceManual,
		Tier:          override.Tier,
		Automatic:     automatic,
		Justification: &justification,
	}
}

// EffectiveTier is manual when set, automatic otherwise. It is the single
// place that projection is computed.
func EffectiveTier(automatic Tier, manual *Tier) Tier {
	if manual != nil && *manual != "" {
		return *manual
	}
	return automatic
}
