package syncer

import "time"

type Decision string

const (
	ApplySource     Decision = "APPLY_SOURCE"
	KeepDestination Decision = "KEEP_DESTINATION"
	ManualReview    Decision = "MANUAL"
)

type Side string

const (
	SideShortcut Side = "shortcut"
	SideLinear   Side = "linear"
)

// Resolve decides what happens when both sides of a mapped pair changed
// since the last cursor. Under NewestWins a timestamp tie applies the
// side currently being processed.
func Resolve(policy ConflictPolicy, source Side, sourceUpdatedAt, destinationUpdatedAt time.Time) Decision {
	switch policy {
	case PolicyShortcutWins:
		if source == SideShortcut {
			return ApplySource
		}
		return KeepDestination
	case PolicyLinearWins:
		if source == SideLinear {
			return ApplySource
		}
		return KeepDestination
	case PolicyManual:
		return ManualReview
	default:
		if !sourceUpdatedAt.Before(destinationUpdatedAt) {
			return ApplySource
		}
		return KeepDestination
	}
}
