package events

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const oracleABIJSON = `[
  {"anonymous":false,"name":"AssertionMade","type":"event","inputs":[
    {"indexed":true,"internalType":"bytes32","name":"assertionId","type":"bytes32"},
    {"indexed":false,"internalType":"bytes32","name":"domainId","type":"bytes32"},
    {"indexed":false,"internalType":"bytes","name":"claim","type":"bytes"},
    {"indexed":true,"internalType":"address","name":"asserter","type":"address"},
    {"indexed":false,"internalType":"address","name":"callbackRecipient","type":"address"},
    {"indexed":false,"internalType":"address","name":"escalationManager","type":"address"},
    {"indexed":false,"internalType":"address","name":"caller","type":"address"},
    {"indexed":false,"internalType":"uint64","name":"expirationTime","type":"uint64"},
    {"indexed":false,"internalType":"address","name":"currency","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"bond","type":"uint256"},
    {"indexed":true,"internalType":"bytes32","name":"identifier","type":"bytes32"}]},
  {"anonymous":false,"name":"AssertionDisputed","type":"event","inputs":[
    {"indexed":true,"internalType":"bytes32","name":"assertionId","type":"bytes32"},
    {"indexed":true,"internalType":"address","name":"caller","type":"address"},
    {"indexed":true,"internalType":"address","name":"disputer","type":"address"},
    {"indexed":false,"internalType":"string","name":"reason","type":"string"}]},
  {"anonymous":false,"name":"AssertionSettled","type":"event","inputs":[
    {"indexed":true,"internalType":"bytes32","name":"assertionId","type":"bytes32"},
    {"indexed":true,"internalType":"address","name":"bondRecipient","type":"address"},
    {"indexed":false,"internalType":"bool","name":"disputed","type":"bool"},
    {"indexed":false,"internalType":"bool","name":"settlementResolution","type":"bool"},
    {"indexed":false,"internalType":"address","name":"settleCaller","type":"address"}]},
  {"anonymous":false,"name":"VoteCast","type":"event","inputs":[
    {"indexed":true,"internalType":"bytes32","name":"assertionId","type":"bytes32"},
    {"indexed":true,"internalType":"address","name":"voter","type":"address"},
    {"indexed":false,"internalType":"bool","name":"support","type":"bool"},
    {"indexed":false,"internalType":"uint256","name":"weight","type":"uint256"}]}
]`

var oracleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed
}

// Kind is one tracked event type.
type Kind string

const (
	KindAssertionMade     Kind = "assertion_made"
	KindAssertionDisputed Kind = "assertion_disputed"
	KindAssertionSettled  Kind = "assertion_settled"
	KindVoteCast          Kind = "vote_cast"
)

// Kinds lists every tracked event kind.
var Kinds = []Kind{KindAssertionMade, KindAssertionDisputed, KindAssertionSettled, KindVoteCast}

var eventNames = map[Kind]string{
	KindAssertionMade:     "AssertionMade",
	KindAssertionDisputed: "AssertionDisputed",
	KindAssertionSettled:  "AssertionSettled",
	KindVoteCast:          "VoteCast",
}

// EventName is the Solidity event name.
func (k Kind) EventName() string { return eventNames[k] }

// Topic is the event signature hash used as topic[0].
func (k Kind) Topic() common.Hash {
	return oracleABI.Events[k.EventName()].ID
}

// ABI exposes the parsed contract ABI.
func ABI() abi.ABI { return oracleABI }
