package events

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-reconciler/internal/model"
	"oracle-reconciler/internal/rpcpool"
)

var (
	testInstance = model.SourceInstance{
		ID:              "uma-mainnet",
		Protocol:        "uma",
		ContractAddress: "0x00000000000000000000000000000000000000aa",
		VotingPeriod:    48 * time.Hour,
	}
	assertionID = common.HexToHash("0x01")
	voter       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	asserter    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	disputer    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func addrTopic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func packData(t *testing.T, kind Kind, args ...any) []byte {
	t.Helper()
	data, err := oracleABI.Events[kind.EventName()].Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return data
}

func assertionLog(t *testing.T, block uint64) types.Log {
	var domain [32]byte
	copy(domain[:], common.HexToHash("0xd0").Bytes())
	var ident [32]byte
	copy(ident[:], "ASSERT_TRUTH")
	data := packData(t, KindAssertionMade,
		domain, []byte("ETH above 3000"), common.Address{}, common.Address{}, asserter,
		uint64(1_700_000_000), common.Address{}, big.NewInt(5_000))
	return types.Log{
		Topics:      []common.Hash{KindAssertionMade.Topic(), assertionID, addrTopic(asserter), common.Hash(ident)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xaa01"),
		Index:       0,
	}
}

func binaryAssertionLog(t *testing.T, claim []byte, ident common.Hash) types.Log {
	data := packData(t, KindAssertionMade,
		[32]byte{}, claim, common.Address{}, common.Address{}, asserter,
		uint64(1_700_000_000), common.Address{}, big.NewInt(1))
	return types.Log{
		Topics:      []common.Hash{KindAssertionMade.Topic(), assertionID, addrTopic(asserter), ident},
		Data:        data,
		BlockNumber: 11,
		TxHash:      common.HexToHash("0xaa02"),
	}
}

func storable(s string) bool {
	return utf8.ValidString(s) && !strings.Contains(s, "\x00")
}

func voteLog(t *testing.T, block uint64, idx uint, support bool, weight int64) types.Log {
	return types.Log{
		Topics:      []common.Hash{KindVoteCast.Topic(), assertionID, addrTopic(voter)},
		Data:        packData(t, KindVoteCast, support, big.NewInt(weight)),
		BlockNumber: block,
		TxHash:      common.HexToHash("0xbb01"),
		Index:       idx,
	}
}

func TestDecodeAssertion(t *testing.T) {
	d := Decoder{Instance: testInstance}
	at := time.Unix(1_699_990_000, 0).UTC()

	a, err := d.Assertion(assertionLog(t, 10), at)
	require.NoError(t, err)
	assert.Equal(t, assertionID.Hex(), a.ID)
	assert.Equal(t, asserter.Hex(), a.Asserter)
	assert.Equal(t, "uma", a.Protocol)
	assert.Equal(t, "ETH above 3000", a.Claim)
	assert.Equal(t, model.AssertionPending, a.Status)
	assert.Equal(t, "5000", a.Bond.String())
	assert.True(t, a.AssertedAt.Equal(at))
	assert.Equal(t, int64(1_700_000_000), a.LivenessDeadline.Unix())
	assert.Equal(t, common.HexToHash("0xd0").Hex(), a.Market)
}

func TestDecodeBinaryAssertionIsStorable(t *testing.T) {
	d := Decoder{Instance: testInstance}
	ident := common.HexToHash("0xfe00ff")
	lg := binaryAssertionLog(t, []byte{0xff, 0x00, 'x'}, ident)

	var b Batch
	require.NoError(t, d.Add(&b, KindAssertionMade, lg, time.Unix(1_699_990_000, 0).UTC()))
	require.Len(t, b.Assertions, 1)

	a := b.Assertions[0]
	assert.True(t, storable(a.Claim), a.Claim)
	assert.True(t, storable(a.Market), a.Market)
	assert.Equal(t, "0xff0078", a.Claim)
	assert.Equal(t, ident.Hex(), a.Market)
}

func TestDecodeIdentifierKeepsReadableText(t *testing.T) {
	var ident [32]byte
	copy(ident[:], "PRICE_FEED")
	assert.Equal(t, "PRICE_FEED", identifierString(common.Hash(ident)))
}

func TestDecodeDisputeCleansReason(t *testing.T) {
	d := Decoder{Instance: testInstance}
	lg := types.Log{
		Topics: []common.Hash{KindAssertionDisputed.Topic(), assertionID, addrTopic(disputer), addrTopic(disputer)},
		Data:   packData(t, KindAssertionDisputed, "bad\x00\xffprice"),
	}

	dp, err := d.Dispute(lg, time.Unix(1_700_000_000, 0).UTC())
	require.NoError(t, err)
	assert.True(t, storable(dp.Reason), dp.Reason)
	assert.Equal(t, "bad\uFFFDprice", dp.Reason)
}

func TestDecodeDisputeSetsVotingDeadline(t *testing.T) {
	d := Decoder{Instance: testInstance}
	at := time.Unix(1_700_000_000, 0).UTC()
	lg := types.Log{
		Topics: []common.Hash{KindAssertionDisputed.Topic(), assertionID, addrTopic(disputer), addrTopic(disputer)},
		Data:   packData(t, KindAssertionDisputed, "price was stale"),
	}

	dp, err := d.Dispute(lg, at)
	require.NoError(t, err)
	assert.Equal(t, assertionID.Hex(), dp.AssertionID)
	assert.Equal(t, disputer.Hex(), dp.Disputer)
	assert.Equal(t, "price was stale", dp.Reason)
	assert.True(t, dp.VotingDeadline.Equal(at.Add(48*time.Hour)))
	assert.Equal(t, model.DisputeVoting, dp.Status)
}

func TestDecodeVote(t *testing.T) {
	d := Decoder{Instance: testInstance}
	v, err := d.Vote(voteLog(t, 12, 3, true, 77), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, voter.Hex(), v.Voter)
	assert.True(t, v.Support)
	assert.Equal(t, "77", v.Weight.String())
	assert.Equal(t, uint(3), v.LogIndex)
	assert.Equal(t, common.HexToHash("0xbb01").Hex()+":3", v.Key())
}

func TestDecodeRejectsWrongTopic(t *testing.T) {
	d := Decoder{Instance: testInstance}
	lg := voteLog(t, 1, 0, true, 1)
	lg.Topics[0] = KindAssertionSettled.Topic()
	_, err := d.Vote(lg, time.Time{})
	require.Error(t, err)
}

type logClient struct {
	mu      sync.Mutex
	logs    map[common.Hash][]types.Log
	queries int
	headers int
}

func (c *logClient) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (c *logClient) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{1}, nil
}
func (c *logClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	var out []types.Log
	for _, lg := range c.logs[q.Topics[0][0]] {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}
func (c *logClient) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	c.mu.Lock()
	c.headers++
	c.mu.Unlock()
	return &types.Header{Number: n, Time: 1_000 + n.Uint64()}, nil
}
func (c *logClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func TestFetchRangeQueriesEveryKind(t *testing.T) {
	removed := voteLog(t, 7, 9, false, 1)
	removed.Removed = true
	client := &logClient{logs: map[common.Hash][]types.Log{
		KindAssertionMade.Topic(): {assertionLog(t, 5)},
		KindVoteCast.Topic():      {voteLog(t, 6, 1, true, 10), removed, voteLog(t, 99, 2, true, 10)},
	}}
	dialer := rpcpool.DialFunc(func(context.Context, string) (rpcpool.Client, error) { return client, nil })
	caller := rpcpool.NewCaller(rpcpool.NewPool([]string{"http://rpc"}, "", nil), dialer, rpcpool.CallerOptions{}, zerolog.Nop())
	workers := pond.NewPool(4)
	defer workers.StopAndWait()

	f := NewFetcher(caller, testInstance, workers, zerolog.Nop())
	batch, err := f.FetchRange(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, len(Kinds), client.queries)
	require.Len(t, batch.Assertions, 1)
	require.Len(t, batch.Votes, 1)
	assert.Equal(t, 2, batch.Len())
	assert.Len(t, batch.Raw, 2)
	assert.Equal(t, int64(1_005), batch.Assertions[0].AssertedAt.Unix())
	assert.Equal(t, int64(1_006), batch.Votes[0].CastAt.Unix())
	assert.Equal(t, 3, client.headers, "headers are fetched per touched block including removed logs")
}
