package quorum

import (
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
)

// Tally counts the ballots of eligible voters.
type Tally struct {
	Yes      int `json:"yes"`
	No       int `json:"no"`
	Abstain  int `json:"abstain"`
	Eligible int `json:"eligible"`
}

// Counted is the number of eligible voters who cast any ballot.
func (t Tally) Counted() int { return t.Yes + t.No + t.Abstain }

// Count tallies votes, ignoring voters not in eligible.
func Count(votes []models.Vote, eligible []string) Tally {
	allowed := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		allowed[id] = true
	}
	t := Tally{Eligible: len(eligible)}
	for _, v := range votes {
		if !allowed[v.VoterID] {
			continue
		}
		switch v.Vote {
		case models.VoteYes:
			t.Yes++
		case models.VoteNo:
			t.No++
		case models.VoteAbstain:
			t.Abstain++
		}
	}
	return t
}

// Outcome applies a threshold to a tally once at least minVoters eligible
// voters have voted. Abstentions count toward minVoters but not toward the
// threshold. It returns "" while the decision should stay open.
func Outcome(threshold string, t Tally, minVoters int) string {
	if t.Counted() < max(minVoters, 1) {
		return ""
	}
	decisive := t.Yes + t.No
	if decisive == 0 {
		return ""
	}
	switch threshold {
	case room.ThresholdSupermajority:
		if 3*t.Yes >= 2*decisive {
			return models.DecisionApproved
		}
		return models.DecisionRejected
	case room.ThresholdUnanimous:
		if t.No == 0 {
			return models.DecisionApproved
		}
		return models.DecisionRejected
	default:
		switch {
		case t.Yes > t.No:
			return models.DecisionApproved
		case t.No > t.Yes:
			return models.DecisionRejected
		}
		return ""
	}
}

// EligibleVoters picks who counts toward a decision in a room. With voter
// health on, blocked and rate-limited workers are left out unless doing so
// would drop the healthy share below the configured threshold.
func EligibleVoters(workers []models.Worker, s room.Settings) []string {
	var all, healthy []string
	for _, w := range workers {
		if !w.CanVote {
			continue
		}
		all = append(all, w.ID)
		if w.AgentState != models.AgentBlocked && w.AgentState != models.AgentRateLimited {
			healthy = append(healthy, w.ID)
		}
	}
	out := all
	if s.VoterHealth && len(all) > 0 && float64(len(healthy))/float64(len(all)) >= s.VoterHealthThreshold {
		out = healthy
	}
	if s.KeeperVotes {
		out = append(out[:len(out):len(out)], models.KeeperID)
	}
	return out
}
