package models

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestIsValidDealTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{DealStateDraft, DealStateFunded, true},
		{DealStateFunded, DealStateReleased, true},

		// Dispute paths
		{DealStateFunded, DealStateDisputed, true},
		{DealStateDisputed, DealStateReleased, true},
		{DealStateDisputed, DealStateRefunded, true},

		// Invalid transitions
		{DealStateDraft, DealStateReleased, false},
		{DealStateDraft, DealStateDisputed, false},
		{DealStateFunded, DealStateRefunded, false},
		{DealStateFunded, DealStateDraft, false},
		{DealStateReleased, DealStateDisputed, false},
		{DealStateRefunded, DealStateReleased, false},
		{DealStateDisputed, DealStateFunded, false},
		{"nonexistent", DealStateFunded, false},
		{DealStateDraft, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidDealTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidDealTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllDealStatesHaveTransitionEntry(t *testing.T) {
	all := []string{DealStateDraft, DealStateFunded, DealStateReleased, DealStateDisputed, DealStateRefunded}
	for _, state := range all {
		if _, ok := ValidDealTransitions[state]; !ok {
			t.Errorf("state %q missing from ValidDealTransitions map", state)
		}
	}
}

func TestTerminalDealStatesHaveNoTransitions(t *testing.T) {
	for _, state := range []string{DealStateReleased, DealStateRefunded} {
		if transitions := ValidDealTransitions[state]; len(transitions) != 0 {
			t.Errorf("terminal state %q should have no transitions, got %v", state, transitions)
		}
	}
}

func TestHasEscrow(t *testing.T) {
	if HasEscrow(DealStateDraft) {
		t.Error("draft deal must not carry an escrow reference")
	}
	for _, s := range []string{DealStateFunded, DealStateReleased, DealStateDisputed, DealStateRefunded} {
		if !HasEscrow(s) {
			t.Errorf("HasEscrow(%q) = false, want true", s)
		}
	}
}

func TestDealIsParty(t *testing.T) {
	funder, receiver := uuid.New(), uuid.New()
	d := Deal{FunderID: funder, ReceiverID: receiver}
	if !d.IsParty(funder) || !d.IsParty(receiver) {
		t.Error("funder and receiver must be parties")
	}
	if d.IsParty(uuid.New()) {
		t.Error("stranger must not be a party")
	}
}

func TestIsValidMilestoneTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		{MilestoneStatePending, MilestoneStateSubmitted, true},
		{MilestoneStateSubmitted, MilestoneStateApproved, true},
		{MilestoneStateSubmitted, MilestoneStatePending, true}, // revision
		{MilestoneStateApproved, MilestoneStateReleased, true},

		{MilestoneStatePending, MilestoneStateDisputed, true},
		{MilestoneStateSubmitted, MilestoneStateDisputed, true},
		{MilestoneStateApproved, MilestoneStateDisputed, true},
		{MilestoneStateDisputed, MilestoneStateApproved, true},
		{MilestoneStateDisputed, MilestoneStateReleased, true},

		{MilestoneStateReleased, MilestoneStateDisputed, false},
		{MilestoneStatePending, MilestoneStateApproved, false},
		{MilestoneStatePending, MilestoneStateReleased, false},
		{MilestoneStateSubmitted, MilestoneStateReleased, false},
		{MilestoneStateApproved, MilestoneStatePending, false},
		{MilestoneStateDisputed, MilestoneStatePending, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			if got := IsValidMilestoneTransition(tt.from, tt.to); got != tt.expected {
				t.Errorf("IsValidMilestoneTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}

func TestAllReleased(t *testing.T) {
	if AllReleased(nil) {
		t.Error("empty milestone list must not count as released")
	}
	ms := []Milestone{{State: MilestoneStateReleased}, {State: MilestoneStateApproved}}
	if AllReleased(ms) {
		t.Error("approved milestone must block release")
	}
	ms[1].State = MilestoneStateReleased
	if !AllReleased(ms) {
		t.Error("all released milestones must count as released")
	}
	if got := SumAmounts([]Milestone{{Amount: 4000}, {Amount: 6000}}); got != 10000 {
		t.Errorf("SumAmounts = %d, want 10000", got)
	}
}

func TestPayoutPath(t *testing.T) {
	tests := []struct {
		name          string
		current       string
		reported      string
		authoritative bool
		steps         []string
		anomaly       PayoutAnomaly
	}{
		{"created", PayoutStatusPending, PayoutStatusProcessing, false, []string{PayoutStatusProcessing}, AnomalyNone},
		{"settled after created", PayoutStatusProcessing, PayoutStatusCompleted, true, []string{PayoutStatusCompleted}, AnomalyNone},
		{"settled before created", PayoutStatusPending, PayoutStatusCompleted, true, []string{PayoutStatusProcessing, PayoutStatusCompleted}, AnomalyNone},
		{"failed before created", PayoutStatusPending, PayoutStatusFailed, false, []string{PayoutStatusProcessing, PayoutStatusFailed}, AnomalyNone},
		{"created after settled", PayoutStatusCompleted, PayoutStatusProcessing, false, nil, AnomalyDowngrade},
		{"failed after settled", PayoutStatusCompleted, PayoutStatusFailed, false, nil, AnomalyDowngrade},
		{"canceled after settled", PayoutStatusCompleted, PayoutStatusCanceled, false, nil, AnomalyDowngrade},
		{"authoritative settle after failure", PayoutStatusFailed, PayoutStatusCompleted, true, []string{PayoutStatusCompleted}, AnomalyNone},
		{"non-authoritative paid after failure", PayoutStatusFailed, PayoutStatusCompleted, false, nil, AnomalyTerminal},
		{"created after failure", PayoutStatusFailed, PayoutStatusProcessing, false, nil, AnomalyTerminal},
		{"repeat", PayoutStatusProcessing, PayoutStatusProcessing, false, nil, AnomalyNone},
		{"pending after processing", PayoutStatusProcessing, PayoutStatusPending, false, nil, AnomalyNone},
		{"pending canceled", PayoutStatusPending, PayoutStatusCanceled, false, []string{PayoutStatusCanceled}, AnomalyNone},
		{"garbage", PayoutStatusPending, "exploded", false, nil, AnomalyUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, anomaly := PayoutPath(tt.current, tt.reported, tt.authoritative)
			if !reflect.DeepEqual(steps, tt.steps) {
				t.Errorf("steps = %v, want %v", steps, tt.steps)
			}
			if anomaly != tt.anomaly {
				t.Errorf("anomaly = %q, want %q", anomaly, tt.anomaly)
			}
		})
	}
}

// Every path produced by PayoutPath must consist of valid forward transitions,
// except the authoritative failed -> completed correction.
func TestPayoutPathOnlyMovesForward(t *testing.T) {
	all := []string{PayoutStatusPending, PayoutStatusProcessing, PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCanceled}
	for _, from := range all {
		for _, to := range all {
			for _, auth := range []bool{false, true} {
				steps, _ := PayoutPath(from, to, auth)
				cur := from
				for _, s := range steps {
					corrected := cur == PayoutStatusFailed && s == PayoutStatusCompleted && auth
					if !IsValidPayoutTransition(cur, s) && !corrected {
						t.Errorf("PayoutPath(%q, %q, %v) steps through invalid %q -> %q", from, to, auth, cur, s)
					}
					cur = s
				}
				if from == PayoutStatusCompleted && len(steps) != 0 {
					t.Errorf("completed payout moved to %v", steps)
				}
			}
		}
	}
}
