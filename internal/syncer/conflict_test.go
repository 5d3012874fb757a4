package syncer

import (
	"testing"
	"time"
)

func TestResolveIsDeterministicPerPolicy(t *testing.T) {
	earlier := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	cases := []struct {
		name     string
		policy   ConflictPolicy
		source   Side
		sourceAt time.Time
		destAt   time.Time
		want     Decision
	}{
		{"shortcut wins from shortcut", PolicyShortcutWins, SideShortcut, earlier, later, ApplySource},
		{"shortcut wins from linear", PolicyShortcutWins, SideLinear, later, earlier, KeepDestination},
		{"linear wins from linear", PolicyLinearWins, SideLinear, earlier, later, ApplySource},
		{"linear wins from shortcut", PolicyLinearWins, SideShortcut, later, earlier, KeepDestination},
		{"manual always manual", PolicyManual, SideShortcut, later, earlier, ManualReview},
		{"newest wins source newer", PolicyNewestWins, SideShortcut, later, earlier, ApplySource},
		{"newest wins dest newer", PolicyNewestWins, SideLinear, earlier, later, KeepDestination},
		{"newest wins tie applies source", PolicyNewestWins, SideLinear, earlier, earlier, ApplySource},
	}
	for _, tc := range cases {
		if got := Resolve(tc.policy, tc.source, tc.sourceAt, tc.destAt); got != tc.want {
			t.Fatalf("%s: Resolve = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestResolveNewestWinsSymmetricUnderRoleSwap(t *testing.T) {
	a := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b := a.Add(time.Minute)

	// Processing the newer side applies it; processing the older side
	// keeps the newer destination. Same final winner either way.
	if Resolve(PolicyNewestWins, SideShortcut, b, a) != ApplySource {
		t.Fatalf("newer source must apply")
	}
	if Resolve(PolicyNewestWins, SideLinear, a, b) != KeepDestination {
		t.Fatalf("older source must keep destination")
	}
}
