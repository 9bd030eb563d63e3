package alert

import "github.com/calderos/netpilot/internal/driver"

// Tier is one severity level of the balance/validity thresholds. A parsed
// USSD result matches a tier when its remaining validity is at or below
// ValidityDaysAtMost or its remaining data volume is below DataVolumeBelowMB.
type Tier struct {
	Name               string  `json:"name"`
	ValidityDaysAtMost int     `json:"validity_days_at_most"`
	DataVolumeBelowMB  float64 `json:"data_volume_below_mb"`
}

// DefaultTiers returns the built-in thresholds, most severe first.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "critical", ValidityDaysAtMost: 1, DataVolumeBelowMB: 300},
		{Name: "high", ValidityDaysAtMost: 3, DataVolumeBelowMB: 1024},
		{Name: "medium", ValidityDaysAtMost: 7, DataVolumeBelowMB: 2048},
	}
}

// Evaluate returns the most severe tier the parsed values match, or nil.
// Tiers are checked in order, so the slice must be sorted most severe
// first. Values the parse did not yield never match, and a zero threshold
// disables that check for its tier.
func Evaluate(tiers []Tier, p *driver.Parsed) *Tier {
	if p == nil {
		return nil
	}
	for i := range tiers {
		t := &tiers[i]
		if t.ValidityDaysAtMost > 0 && p.ValidDays != nil && *p.ValidDays <= t.ValidityDaysAtMost {
			return t
		}
		if t.DataVolumeBelowMB > 0 && p.DataMB != nil && *p.DataMB < t.DataVolumeBelowMB {
			return t
		}
	}
	return nil
}
