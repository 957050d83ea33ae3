package domain

import "testing"

func TestBalancedGroup(t *testing.T) {
	t.Parallel()

	heads := func() bool { return true }
	tails := func() bool { return false }

	tests := []struct {
		name           string
		control, agent int
		coin           func() bool
		want           TreatmentGroup
	}{
		{"fewer control", 2, 5, heads, GroupControl},
		{"fewer agent", 5, 2, tails, GroupAgent},
		{"tie heads", 3, 3, heads, GroupAgent},
		{"tie tails", 3, 3, tails, GroupControl},
		{"tie without coin", 0, 0, nil, GroupControl},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BalancedGroup(tt.control, tt.agent, tt.coin); got != tt.want {
				t.Fatalf("BalancedGroup(%d, %d) = %v, want %v", tt.control, tt.agent, got, tt.want)
			}
		})
	}
}

func TestTreatmentGroupValid(t *testing.T) {
	t.Parallel()

	if !GroupControl.Valid() || !GroupAgent.Valid() {
		t.Fatal("expected both groups to be valid")
	}
	if TreatmentGroup(2).Valid() {
		t.Fatal("expected group 2 to be invalid")
	}
}
