package quorum

import (
	"testing"

	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name      string
		threshold string
		tally     Tally
		min       int
		want      string
	}{
		{"below min voters", room.ThresholdMajority, Tally{Yes: 1}, 3, ""},
		{"majority approved", room.ThresholdMajority, Tally{Yes: 2, No: 1}, 3, models.DecisionApproved},
		{"majority rejected", room.ThresholdMajority, Tally{Yes: 1, No: 2}, 3, models.DecisionRejected},
		{"majority tie stays open", room.ThresholdMajority, Tally{Yes: 1, No: 1, Abstain: 1}, 3, ""},
		{"abstain excluded from majority", room.ThresholdMajority, Tally{Yes: 1, Abstain: 2}, 3, models.DecisionApproved},
		{"all abstain stays open", room.ThresholdMajority, Tally{Abstain: 3}, 3, ""},
		{"supermajority met", room.ThresholdSupermajority, Tally{Yes: 2, No: 1}, 3, models.DecisionApproved},
		{"supermajority missed", room.ThresholdSupermajority, Tally{Yes: 3, No: 2}, 3, models.DecisionRejected},
		{"unanimous", room.ThresholdUnanimous, Tally{Yes: 3, Abstain: 1}, 3, models.DecisionApproved},
		{"unanimous broken", room.ThresholdUnanimous, Tally{Yes: 3, No: 1}, 3, models.DecisionRejected},
		{"zero min voters acts as one", room.ThresholdMajority, Tally{Yes: 1}, 0, models.DecisionApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.threshold, tt.tally, tt.min); got != tt.want {
				t.Errorf("Outcome = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCount_IgnoresIneligible(t *testing.T) {
	votes := []models.Vote{
		{VoterID: "a", Vote: models.VoteYes},
		{VoterID: "b", Vote: models.VoteNo},
		{VoterID: "gone", Vote: models.VoteNo},
		{VoterID: "c", Vote: models.VoteAbstain},
	}
	got := Count(votes, []string{"a", "b", "c"})
	want := Tally{Yes: 1, No: 1, Abstain: 1, Eligible: 3}
	if got != want {
		t.Errorf("Count = %+v, want %+v", got, want)
	}
	if got.Counted() != 3 {
		t.Errorf("Counted = %d, want 3", got.Counted())
	}
}

func TestEligibleVoters(t *testing.T) {
	workers := []models.Worker{
		{ID: "q", CanVote: true, AgentState: models.AgentIdle},
		{ID: "a", CanVote: true, AgentState: models.AgentBlocked},
		{ID: "b", CanVote: true, AgentState: models.AgentThinking},
		{ID: "c", CanVote: true, AgentState: models.AgentRateLimited},
		{ID: "mute", CanVote: false, AgentState: models.AgentIdle},
	}
	tests := []struct {
		name     string
		settings room.Settings
		want     []string
	}{
		{"health off", room.Settings{}, []string{"q", "a", "b", "c"}},
		{"health filters unhealthy", room.Settings{VoterHealth: true, VoterHealthThreshold: 0.5}, []string{"q", "b"}},
		{"health suspended below threshold", room.Settings{VoterHealth: true, VoterHealthThreshold: 0.75}, []string{"q", "a", "b", "c"}},
		{"keeper added", room.Settings{KeeperVotes: true}, []string{"q", "a", "b", "c", models.KeeperID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EligibleVoters(workers, tt.settings)
			if len(got) != len(tt.want) {
				t.Fatalf("EligibleVoters = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("EligibleVoters = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}
