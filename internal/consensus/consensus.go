// Package consensus holds the voting model for consensus-kind triggers and the
// pure tally/threshold rules. Persistence and the vote workflow live in db and ops.
package consensus

// Vote is a member's ballot. The empty value means the member has not voted.
type Vote string

const (
	VoteUnset    Vote = ""
	VoteApproved Vote = "approved"
	VoteRejected Vote = "rejected"
)

// Valid reports whether v is a ballot a member can cast.
func (v Vote) Valid() bool {
	return v == VoteApproved || v == VoteRejected
}

// DefaultThresholdPercent is the share of recipients that must approve.
const DefaultThresholdPercent = 66

// Group is the fixed voter set attached to a consensus trigger.
type Group struct {
	ID        string
	TriggerID string
	CapsuleID string
	Threshold int
	Members   []Member
	CreatedAt int64
}

// Member is one voter of a Group.
type Member struct {
	ID      string
	GroupID string
	UserID  string
	Vote    Vote

	// VotedAt is the Unix timestamp of the vote (0 when unset)
	VotedAt int64

	Version int64
}

// Tally counts the ballots of a group.
type Tally struct {
	Approved    int `json:"approved"`
	Rejected    int `json:"rejected"`
	Threshold   int `json:"threshold"`
	MemberCount int `json:"-"`
}

// Total is the number of members that have voted.
func (t Tally) Total() int {
	return t.Approved + t.Rejected
}

// Final reports whether every member has voted. Finality never happens earlier,
// even when the threshold is already met or can no longer be met.
func (t Tally) Final() bool {
	return t.MemberCount > 0 && t.Total() >= t.MemberCount
}

// Reached reports whether the approvals meet the threshold.
func (t Tally) Reached() bool {
	return t.Approved >= t.Threshold
}

// Count tallies the members of a group.
func Count(threshold int, members []Member) Tally {
	t := Tally{Threshold: threshold, MemberCount: len(members)}
	for _, m := range members {
		switch m.Vote {
		case VoteApproved:
			t.Approved++
		case VoteRejected:
			t.Rejected++
		}
	}
	return t
}

// DefaultThreshold returns ceil(percent/100 * memberCount) using integer math,
// clamped to [1, memberCount]. Zero members yields zero.
func DefaultThreshold(memberCount, percent int) int {
	if memberCount <= 0 {
		return 0
	}
	if percent <= 0 {
		percent = DefaultThresholdPercent
	}
	threshold := (memberCount*percent + 99) / 100
	if threshold < 1 {
		threshold = 1
	}
	if threshold > memberCount {
		threshold = memberCount
	}
	return threshold
}

// ValidThreshold reports whether threshold fits a group of memberCount voters.
func ValidThreshold(threshold, memberCount int) bool {
	return threshold >= 1 && threshold <= memberCount
}
