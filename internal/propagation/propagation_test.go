package propagation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-ilp-relay/internal/guard"
	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

type forwardCall struct {
	peer   string
	amount uint64
	pkt    *packet.Packet
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
	fail  map[string]bool
}

func (f *fakeForwarder) Forward(ctx context.Context, peer string, amount uint64, data []byte) error {
	pkt, err := packet.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{peer: peer, amount: amount, pkt: pkt})
	if f.fail[peer] {
		return errors.New("peer unreachable")
	}
	return nil
}

func (f *fakeForwarder) peers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.peer)
	}
	sort.Strings(out)
	return out
}

func testEvent(id string) *types.Event {
	return &types.Event{ID: id, PubKey: "alice", CreatedAt: 100, Kind: 1, Tags: [][]string{}, Content: "hi", Sig: "sig"}
}

func TestPropagateDeliversToMatchingSubscriptions(t *testing.T) {
	ix := subscription.NewIndex()
	good := transport.NewRecorder("good")
	bad := transport.NewRecorder("bad")
	bad.FailSends()
	other := transport.NewRecorder("other")
	expires := time.Now().Add(time.Hour)
	ix.Add(&subscription.Subscription{ID: "notes", Conn: good, Filters: types.Filters{{Kinds: []int{1}}}, ExpiresAt: expires})
	ix.Add(&subscription.Subscription{ID: "notes", Conn: bad, Filters: types.Filters{{Authors: []string{"alice"}}}, ExpiresAt: expires})
	ix.Add(&subscription.Subscription{ID: "reactions", Conn: other, Filters: types.Filters{{Kinds: []int{7}}}, ExpiresAt: expires})

	svc := NewService(ix, Config{NodeAddress: "ws://node"})
	rep := svc.Propagate(context.Background(), testEvent("e1"), Origin{Amount: 50})

	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, rep.Removed)
	assert.Nil(t, ix.Get(subscription.Key{ConnID: "bad", ID: "notes"}), "failed push removes the subscription")
	assert.Empty(t, other.Packets())

	require.Len(t, good.Packets(), 1)
	pkt, err := packet.Decode(good.Packets()[0])
	require.NoError(t, err)
	assert.Equal(t, packet.TypeEvent, pkt.Header.Type)
	assert.Equal(t, "notes", pkt.Payload.Metadata.SubscriptionID)
	evt, err := pkt.Event()
	require.NoError(t, err)
	assert.Equal(t, "e1", evt.ID)

	rev := svc.Revenue()
	assert.EqualValues(t, 1, rev.LocalDeliveries)
	assert.EqualValues(t, 1, rev.FailedDeliveries)
}

func TestPropagateSplitsPaymentAfterRoutingFee(t *testing.T) {
	fwd := &fakeForwarder{}
	svc := NewService(subscription.NewIndex(), Config{
		NodeAddress: "ws://self",
		Peers:       []string{"ws://a", "ws://b", "ws://c", "ws://origin"},
		RoutingFee:  10,
		Currency:    "msat",
	}, WithForwarder(fwd))

	rep := svc.Propagate(context.Background(), testEvent("e1"), Origin{Amount: 101, Source: "ws://origin"})

	assert.Equal(t, []string{"ws://a", "ws://b", "ws://c"}, fwd.peers(), "source peer is skipped")
	assert.EqualValues(t, 30, rep.Share)
	assert.EqualValues(t, 11, rep.Retained, "fee plus indivisible dust")
	for _, c := range fwd.calls {
		assert.EqualValues(t, 30, c.amount)
		assert.Equal(t, "30", c.pkt.Payload.Payment.Amount)
		assert.Equal(t, "msat", c.pkt.Payload.Payment.Currency)
		assert.Equal(t, "ws://self", c.pkt.Payload.Metadata.Sender)
	}

	rev := svc.Revenue()
	assert.EqualValues(t, 11, rev.FeesRetained)
	assert.EqualValues(t, 90, rev.AmountForwarded)
	assert.EqualValues(t, 3, rev.Forwards)
}

func TestPropagateDedupSuppressesReforward(t *testing.T) {
	fwd := &fakeForwarder{}
	svc := NewService(subscription.NewIndex(), Config{Peers: []string{"ws://a"}, RoutingFee: 1}, WithForwarder(fwd))

	first := svc.Propagate(context.Background(), testEvent("e1"), Origin{Amount: 10})
	second := svc.Propagate(context.Background(), testEvent("e1"), Origin{Amount: 10})

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Len(t, fwd.calls, 1)
	assert.EqualValues(t, 1, svc.Revenue().DuplicatesDropped)
}

func TestPropagateRateLimitsPerPeer(t *testing.T) {
	fwd := &fakeForwarder{}
	svc := NewService(subscription.NewIndex(), Config{Peers: []string{"ws://a"}},
		WithForwarder(fwd), WithGuards(guard.NewDedup(time.Minute, 100), guard.NewRateLimiter(0.001, 1)))

	svc.Propagate(context.Background(), testEvent("e1"), Origin{Amount: 10})
	rep := svc.Propagate(context.Background(), testEvent("e2"), Origin{Amount: 10})

	assert.Equal(t, []string{"ws://a"}, rep.Skipped)
	assert.Len(t, fwd.calls, 1)
	assert.EqualValues(t, 1, svc.Revenue().RateLimited)
}

func TestPropagateForwardFailureDoesNotStopOthers(t *testing.T) {
	fwd := &fakeForwarder{fail: map[string]bool{"ws://a": true}}
	svc := NewService(subscription.NewIndex(), Config{Peers: []string{"ws://a", "ws://b"}}, WithForwarder(fwd))

	rep := svc.Propagate(context.Background(), testEvent("e1"), Origin{Amount: 20})

	assert.Equal(t, []string{"ws://a"}, rep.Failed)
	assert.Equal(t, []string{"ws://b"}, rep.Forwarded)
	rev := svc.Revenue()
	assert.EqualValues(t, 1, rev.ForwardFailures)
	assert.EqualValues(t, 10, rev.AmountUndelivered)
}

func TestPropagateAmountBelowFeeIsRetained(t *testing.T) {
	fwd := &fakeForwarder{}
	svc := NewService(subscription.NewIndex(), Config{Peers: []string{"ws://a"}, RoutingFee: 50}, WithForwarder(fwd))

	rep := svc.Propagate(context.Background(), testEvent("e1"), Origin{Amount: 40})

	assert.Empty(t, fwd.calls)
	assert.EqualValues(t, 40, rep.Retained)
	assert.EqualValues(t, 40, svc.Revenue().FeesRetained)
}

func TestNotifyExpired(t *testing.T) {
	conn := transport.NewRecorder("c")
	svc := NewService(subscription.NewIndex(), Config{NodeAddress: "ws://node"})
	svc.NotifyExpired(context.Background(), []*subscription.Subscription{{ID: "s1", Conn: conn}})

	require.Len(t, conn.Packets(), 1)
	pkt, err := packet.Decode(conn.Packets()[0])
	require.NoError(t, err)
	assert.Equal(t, packet.TypeOK, pkt.Header.Type)
	assert.Equal(t, "s1", pkt.Payload.Metadata.SubscriptionID)
}
