package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-ilp-relay/internal/handler"
	"nostr-ilp-relay/internal/nostr"
	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/pricing"
	"nostr-ilp-relay/internal/store"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

const testPrivKey = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"

func TestBuildEventProducesVerifiablePacket(t *testing.T) {
	priv, err := nostr.ParsePrivateKey(testPrivKey)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	evt, data, err := buildEvent(priv, 1, "test <b>&</b>", [][]string{{"t", "ilp"}}, "50", now)
	require.NoError(t, err)
	assert.Equal(t, "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec", evt.PubKey)
	assert.Equal(t, nostr.Valid, nostr.VerifyEvent(evt))

	pkt, err := packet.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, packet.TypeEvent, pkt.Header.Type)
	assert.Equal(t, "50", pkt.Payload.Payment.Amount)

	decoded, err := pkt.Event()
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, nostr.Valid, nostr.VerifyEvent(decoded))
}

func TestBuildEventWithoutTagsHashesEmptyArray(t *testing.T) {
	priv, err := nostr.ParsePrivateKey(testPrivKey)
	require.NoError(t, err)

	evt, _, err := buildEvent(priv, 1, "test", nil, "50", time.Unix(1700000000, 0))
	require.NoError(t, err)

	serialized, err := nostr.SerializeEvent(evt)
	require.NoError(t, err)
	assert.Equal(t, `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[],"test"]`, string(serialized))
}

func TestBuildFilter(t *testing.T) {
	f, err := buildFilter("1, 7", "abc,def", 1700000000, 20, tagFlags{{"t", "ilp"}, {"t", "nostr"}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7}, f.Kinds)
	assert.Equal(t, []string{"abc", "def"}, f.Authors)
	require.NotNil(t, f.Since)
	assert.EqualValues(t, 1700000000, *f.Since)
	assert.Equal(t, 20, f.Limit)
	assert.Equal(t, []string{"ilp", "nostr"}, f.Tags["t"])

	_, err = buildFilter("one", "", 0, 0, nil)
	assert.Error(t, err)

	_, err = buildFilter("", "", 0, 0, tagFlags{{"topic", "x"}})
	var fe *types.FilterError
	assert.ErrorAs(t, err, &fe)
}

func TestTagFlags(t *testing.T) {
	var tags tagFlags
	require.NoError(t, tags.Set("e=abc"))
	require.NoError(t, tags.Set("p=def=ghi"))
	assert.Equal(t, tagFlags{{"e", "abc"}, {"p", "def=ghi"}}, tags)
	assert.Error(t, tags.Set("novalue"))
	assert.Error(t, tags.Set("=x"))
}

func TestDescribePacket(t *testing.T) {
	evt := &types.Event{ID: "0123456789abcdef", PubKey: "fedcba9876543210", Kind: 1, Content: "hi"}
	data, err := packet.EncodeEventDelivery("node", "feed", evt)
	require.NoError(t, err)
	assert.Equal(t, "[feed] EVENT 0123456789ab kind:1 from fedcba987654: hi", describePacket(data))

	data, err = packet.EncodeEOSE("node", "feed")
	require.NoError(t, err)
	assert.Equal(t, "[feed] end of stored events", describePacket(data))

	assert.Contains(t, describePacket([]byte{1}), "undecodable packet")
}

func TestPublishThenSubscribeAgainstNode(t *testing.T) {
	oracle := pricing.NewOracleFromTable(pricing.FallbackTable())
	h := handler.New(oracle, store.NewMemoryStore(), subscription.NewIndex(), handler.DefaultConfig())
	srv := transport.NewServer(func(ctx context.Context, in transport.Inbound) { h.HandlePacket(ctx, in) },
		transport.WithOnClose(h.OnConnClosed))
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	priv, err := nostr.ParsePrivateKey(testPrivKey)
	require.NoError(t, err)
	evt, data, err := buildEvent(priv, 1, "over the wire", nil, "50", time.Now())
	require.NoError(t, err)

	publisher, err := transport.Dial(ctx, url)
	require.NoError(t, err)
	defer publisher.Close()

	err = publisher.Prepare(ctx, 10, url, "tester", data)
	require.Error(t, err)
	assert.Contains(t, describeRejection("publish", err).Error(), "insufficient_payment")
	require.NoError(t, publisher.Prepare(ctx, 50, url, "tester", data))

	filter, err := buildFilter("1", "", 0, 0, nil)
	require.NoError(t, err)
	req, err := buildReq("feed", 60, "160", filter, time.Now())
	require.NoError(t, err)

	subscriber, err := transport.Dial(ctx, url)
	require.NoError(t, err)
	defer subscriber.Close()
	require.NoError(t, subscriber.Prepare(ctx, 160, url, "tester", req))

	var lines []string
	for len(lines) < 2 {
		select {
		case data := <-subscriber.Packets():
			lines = append(lines, describePacket(data))
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", lines)
		}
	}
	assert.Contains(t, lines[0], "EVENT "+nostr.ShortID(evt.ID))
	assert.Equal(t, "[feed] end of stored events", lines[1])
}
