package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AssertionStatus is the lifecycle state of a claim.
type AssertionStatus string

const (
	AssertionPending  AssertionStatus = "pending"
	AssertionDisputed AssertionStatus = "disputed"
	AssertionResolved AssertionStatus = "resolved"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeVoting   DisputeStatus = "voting"
	DisputeResolved DisputeStatus = "resolved"
)

// Assertion is a claim made against the oracle.
type Assertion struct {
	ID               string
	InstanceID       string
	Asserter         string
	Protocol         string
	Market           string
	Claim            string
	AssertedAt       time.Time
	LivenessDeadline time.Time
	Status           AssertionStatus
	Bond             decimal.Decimal
	TxHash           string
	BlockNumber      uint64
}

// Dispute challenges an assertion. Tallies are derived from votes.
type Dispute struct {
	ID             string
	AssertionID    string
	InstanceID     string
	Disputer       string
	Reason         string
	DisputedAt     time.Time
	VotingDeadline time.Time
	Status         DisputeStatus
	VotesFor       decimal.Decimal
	VotesAgainst   decimal.Decimal
	VoteCount      int
	TxHash         string
	BlockNumber    uint64
}

// Resolution settles an assertion.
type Resolution struct {
	AssertionID string
	InstanceID  string
	Disputed    bool
	Truthful    bool
	ResolvedAt  time.Time
	TxHash      string
	BlockNumber uint64
}

// VoteEvent is a single vote; (TxHash, LogIndex) is its natural key.
type VoteEvent struct {
	AssertionID string
	InstanceID  string
	Voter       string
	Support     bool
	Weight      decimal.Decimal
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	CastAt      time.Time
}

// Key is the dedup key of the vote.
func (v VoteEvent) Key() string {
	return fmt.Sprintf("%s:%d", v.TxHash, v.LogIndex)
}

// Tally is the derived vote outcome for a dispute.
type Tally struct {
	For     decimal.Decimal
	Against decimal.Decimal
	Count   int
}

// TallyVotes sums votes after dropping duplicate deliveries of the same log.
func TallyVotes(votes []VoteEvent) Tally {
	seen := make(map[string]struct{}, len(votes))
	t := Tally{For: decimal.Zero, Against: decimal.Zero}
	for _, v := range votes {
		key := v.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if v.Support {
			t.For = t.For.Add(v.Weight)
		} else {
			t.Against = t.Against.Add(v.Weight)
		}
		t.Count++
	}
	return t
}

// RawEvent keeps the undecoded log for audit and replay.
type RawEvent struct {
	InstanceID  string
	Kind        string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Topics      []string
	Data        []byte
}
