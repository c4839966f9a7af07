package models

// Flag is a routing/gating tag attached to a case or one of its parties.
type Flag string

const (
	// Countersigning process flags. Removed once countersigning succeeds.
	FlagCountersignRequired        Flag = "countersign_required"
	FlagSeniorManagerCheckRequired Flag = "senior_manager_check_required"

	// Product-risk flags. These gate countersigning too but describe the
	// goods themselves, so they stay on the case after sign-off.
	FlagManpads  Flag = "manpads"
	FlagLandmine Flag = "ap_landmine"
)

// countersignFlags is the full set of flags that trigger countersigning.
var countersignFlags = map[Flag]struct{}{
	FlagCountersignRequired:        {},
	FlagSeniorManagerCheckRequired: {},
	FlagManpads:                    {},
	FlagLandmine:                   {},
}

// seniorCountersignFlags is the subset that escalates to a second sign-off.
var seniorCountersignFlags = map[Flag]struct{}{
	FlagSeniorManagerCheckRequired: {},
	FlagManpads:                    {},
}

// TriggersCountersign reports whether the flag requires countersigning.
func (f Flag) TriggersCountersign() bool {
	_, ok := countersignFlags[f]
	return ok
}

// TriggersSeniorCountersign reports whether the flag escalates to tier two.
func (f Flag) TriggersSeniorCountersign() bool {
	_, ok := seniorCountersignFlags[f]
	return ok
}

// RemovableOnCountersign reports whether the flag is stripped after a
// successful countersign. Product-risk flags are retained.
func (f Flag) RemovableOnCountersign() bool {
	return f == FlagCountersignRequired || f == FlagSeniorManagerCheckRequired
}

// RemoveOnFinalisation reports whether the flag is cleared when the case is
// finalised.
func (f Flag) RemoveOnFinalisation() bool {
	return f == FlagCountersignRequired || f == FlagSeniorManagerCheckRequired
}

// DisplayName returns the human-readable flag name used in audit text.
func (f Flag) DisplayName() string {
	switch f {
	case FlagCountersignRequired:
		return "Countersign required"
	case FlagSeniorManagerCheckRequired:
		return "Senior manager check required"
	case FlagManpads:
		return "MANPADs"
	case FlagLandmine:
		return "AP Landmine"
	default:
		return string(f)
	}
}

// PartyFlags pairs a party with the flags currently set on it.
type PartyFlags struct {
	PartyID string
	Flags   []Flag
}
