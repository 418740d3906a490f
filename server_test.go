package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-ilp-relay/internal/config"
	"nostr-ilp-relay/internal/handler"
	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/pricing"
	"nostr-ilp-relay/internal/propagation"
	"nostr-ilp-relay/internal/store"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

func newTestNode(t *testing.T) (*node, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	index := subscription.NewIndex()
	prop := propagation.NewService(index, propagation.Config{NodeAddress: cfg.NodeAddress})
	h := handler.New(pricing.NewOracleFromTable(pricing.FallbackTable()), store.NewMemoryStore(), index,
		handler.DefaultConfig(), handler.WithPropagator(prop))
	pool := transport.NewPeerPool(cfg.NodeAddress)
	t.Cleanup(func() { pool.Close() })

	n := &node{
		cfg:          cfg,
		handler:      h,
		index:        index,
		propagation:  prop,
		pool:         pool,
		cacheBackend: "none",
		startedAt:    time.Now(),
	}
	ts := httptest.NewServer(n.routes())
	t.Cleanup(ts.Close)
	return n, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestNode(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["subscriptions"])
}

func TestPacketsOverWebsocketShowUpInMetrics(t *testing.T) {
	_, ts := newTestNode(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ilp"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := transport.Dial(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	ttl := int64(60)
	req, err := packet.EncodeMessage(packet.TypeReq, packet.Payment{Amount: "160"},
		packet.ReqMessage{SubscriptionID: "feed", Filters: types.Filters{{Kinds: []int{1}}}},
		packet.Metadata{Timestamp: time.Now().Unix(), TTL: &ttl})
	require.NoError(t, err)
	require.NoError(t, client.Prepare(ctx, 160, url, "tester", req))

	err = client.Prepare(ctx, 0, url, "tester", []byte{9, 9})
	var rejected *transport.RejectError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, strings.HasPrefix(rejected.Reason, "malformed_packet"))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "relay_subscriptions 1")
	assert.Contains(t, text, "relay_connections_active 1")
	assert.Contains(t, text, `relay_rejections_total{reason="malformed_packet"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
