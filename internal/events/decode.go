package events

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"oracle-reconciler/internal/model"
)

// Batch is everything decoded from one position range.
type Batch struct {
	Assertions  []model.Assertion
	Disputes    []model.Dispute
	Resolutions []model.Resolution
	Votes       []model.VoteEvent
	Raw         []model.RawEvent
}

// Len counts decoded domain records.
func (b Batch) Len() int {
	return len(b.Assertions) + len(b.Disputes) + len(b.Resolutions) + len(b.Votes)
}

// Decoder maps raw logs of one instance into domain records.
type Decoder struct {
	Instance model.SourceInstance
}

func (d Decoder) unpack(kind Kind, lg types.Log, wantTopics int) (map[string]any, error) {
	if len(lg.Topics) != wantTopics {
		return nil, fmt.Errorf("%s: expected %d topics, got %d", kind, wantTopics, len(lg.Topics))
	}
	if lg.Topics[0] != kind.Topic() {
		return nil, fmt.Errorf("%s: unexpected topic %s", kind, lg.Topics[0].Hex())
	}
	out := make(map[string]any)
	if err := oracleABI.UnpackIntoMap(out, kind.EventName(), lg.Data); err != nil {
		return nil, fmt.Errorf("%s: unpack: %w", kind, err)
	}
	return out, nil
}

// Assertion decodes an AssertionMade log.
func (d Decoder) Assertion(lg types.Log, blockTime time.Time) (model.Assertion, error) {
	fields, err := d.unpack(KindAssertionMade, lg, 4)
	if err != nil {
		return model.Assertion{}, err
	}

	domain, _ := fields["domainId"].([32]byte)
	claim, _ := fields["claim"].([]byte)
	expiration, _ := fields["expirationTime"].(uint64)
	bond, ok := fields["bond"].(*big.Int)
	if !ok {
		return model.Assertion{}, errors.New("assertion_made: missing bond")
	}

	market := identifierString(lg.Topics[3])
	if domain != ([32]byte{}) {
		market = common.Hash(domain).Hex()
	}

	return model.Assertion{
		ID:               lg.Topics[1].Hex(),
		InstanceID:       d.Instance.ID,
		Asserter:         common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Protocol:         d.Instance.Protocol,
		Market:           market,
		Claim:            textOrHex(claim),
		AssertedAt:       blockTime,
		LivenessDeadline: time.Unix(int64(expiration), 0).UTC(),
		Status:           model.AssertionPending,
		Bond:             decimal.NewFromBigInt(bond, 0),
		TxHash:           lg.TxHash.Hex(),
		BlockNumber:      lg.BlockNumber,
	}, nil
}

// Dispute decodes an AssertionDisputed log.
func (d Decoder) Dispute(lg types.Log, blockTime time.Time) (model.Dispute, error) {
	fields, err := d.unpack(KindAssertionDisputed, lg, 4)
	if err != nil {
		return model.Dispute{}, err
	}
	reason, _ := fields["reason"].(string)
	id := lg.Topics[1].Hex()

	return model.Dispute{
		ID:             id,
		AssertionID:    id,
		InstanceID:     d.Instance.ID,
		Disputer:       common.BytesToAddress(lg.Topics[3].Bytes()).Hex(),
		Reason:         cleanText(reason),
		DisputedAt:     blockTime,
		VotingDeadline: blockTime.Add(d.Instance.VotingPeriod),
		Status:         model.DisputeVoting,
		VotesFor:       decimal.Zero,
		VotesAgainst:   decimal.Zero,
		TxHash:         lg.TxHash.Hex(),
		BlockNumber:    lg.BlockNumber,
	}, nil
}

// Resolution decodes an AssertionSettled log.
func (d Decoder) Resolution(lg types.Log, blockTime time.Time) (model.Resolution, error) {
	fields, err := d.unpack(KindAssertionSettled, lg, 3)
	if err != nil {
		return model.Resolution{}, err
	}
	disputed, _ := fields["disputed"].(bool)
	truthful, _ := fields["settlementResolution"].(bool)

	return model.Resolution{
		AssertionID: lg.Topics[1].Hex(),
		InstanceID:  d.Instance.ID,
		Disputed:    disputed,
		Truthful:    truthful,
		ResolvedAt:  blockTime,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}, nil
}

// Vote decodes a VoteCast log.
func (d Decoder) Vote(lg types.Log, blockTime time.Time) (model.VoteEvent, error) {
	fields, err := d.unpack(KindVoteCast, lg, 3)
	if err != nil {
		return model.VoteEvent{}, err
	}
	support, _ := fields["support"].(bool)
	weight, ok := fields["weight"].(*big.Int)
	if !ok {
		return model.VoteEvent{}, errors.New("vote_cast: missing weight")
	}

	return model.VoteEvent{
		AssertionID: lg.Topics[1].Hex(),
		InstanceID:  d.Instance.ID,
		Voter:       common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Support:     support,
		Weight:      decimal.NewFromBigInt(weight, 0),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		CastAt:      blockTime,
	}, nil
}

// Raw keeps the undecoded form of lg.
func (d Decoder) Raw(kind Kind, lg types.Log) model.RawEvent {
	topics := make([]string, len(lg.Topics))
	for i, t := range lg.Topics {
		topics[i] = t.Hex()
	}
	return model.RawEvent{
		InstanceID:  d.Instance.ID,
		Kind:        string(kind),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Topics:      topics,
		Data:        append([]byte(nil), lg.Data...),
	}
}

// Add decodes lg and appends the result to b.
func (d Decoder) Add(b *Batch, kind Kind, lg types.Log, blockTime time.Time) error {
	switch kind {
	case KindAssertionMade:
		a, err := d.Assertion(lg, blockTime)
		if err != nil {
			return err
		}
		b.Assertions = append(b.Assertions, a)
	case KindAssertionDisputed:
		dp, err := d.Dispute(lg, blockTime)
		if err != nil {
			return err
		}
		b.Disputes = append(b.Disputes, dp)
	case KindAssertionSettled:
		r, err := d.Resolution(lg, blockTime)
		if err != nil {
			return err
		}
		b.Resolutions = append(b.Resolutions, r)
	case KindVoteCast:
		v, err := d.Vote(lg, blockTime)
		if err != nil {
			return err
		}
		b.Votes = append(b.Votes, v)
	default:
		return fmt.Errorf("unknown event kind %q", kind)
	}
	b.Raw = append(b.Raw, d.Raw(kind, lg))
	return nil
}

func identifierString(h common.Hash) string {
	trimmed := bytes.TrimRight(h.Bytes(), "\x00")
	if !isText(trimmed) {
		return h.Hex()
	}
	return string(trimmed)
}

// textOrHex keeps printable claims readable and hex-encodes anything a TEXT
// column would reject.
func textOrHex(b []byte) string {
	if isText(b) {
		return string(b)
	}
	return hexutil.Encode(b)
}

func isText(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}

// cleanText drops NUL bytes and replaces invalid UTF-8 sequences.
func cleanText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}
