package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler pushes the packet back, then fulfills when the amount is "10".
func echoHandler(ctx context.Context, in Inbound) {
	_ = in.Stream.SendPacket(ctx, in.Data)
	if in.Amount == "10" {
		_ = in.Stream.Fulfill(ctx)
		return
	}
	_ = in.Stream.Reject(ctx, "insufficient_payment: required 10, paid "+in.Amount)
}

func startServer(t *testing.T, handle HandlerFunc, opts ...ServerOption) (*Server, string) {
	t.Helper()
	srv := NewServer(handle, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestClientPrepareFulfillAndReject(t *testing.T) {
	_, url := startServer(t, echoHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Prepare(ctx, 10, "node", "tester", []byte("hello")))

	err = c.Prepare(ctx, 3, "node", "tester", []byte("again"))
	var rejected *RejectError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "insufficient_payment: required 10, paid 3", rejected.Reason)

	for _, want := range []string{"hello", "again"} {
		select {
		case got := <-c.Packets():
			assert.Equal(t, want, string(got))
		case <-ctx.Done():
			t.Fatal("timed out waiting for pushed packet")
		}
	}
}

func TestServerAssignsConnectionIDsAndReportsClose(t *testing.T) {
	ids := make(chan string, 4)
	closed := make(chan string, 1)
	handle := func(ctx context.Context, in Inbound) {
		ids <- in.Stream.ID()
		_ = in.Stream.Fulfill(ctx)
		assert.ErrorIs(t, in.Stream.Fulfill(ctx), ErrSettled)
	}
	srv, url := startServer(t, handle, WithOnClose(func(id string) { closed <- id }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	require.NoError(t, err)

	require.NoError(t, c.Prepare(ctx, 0, "node", "", nil))
	require.NoError(t, c.Prepare(ctx, 0, "node", "", nil))
	first, second := <-ids, <-ids
	assert.Equal(t, first, second, "packets on one connection share its id")
	assert.Len(t, first, 36)
	assert.EqualValues(t, 2, srv.PreparesTotal())

	require.NoError(t, c.Close())
	select {
	case id := <-closed:
		assert.Equal(t, first, id)
	case <-ctx.Done():
		t.Fatal("close callback not called")
	}
	assert.EqualValues(t, 0, srv.ActiveConnections())
}

func TestPeerPoolReusesConnection(t *testing.T) {
	_, url := startServer(t, func(ctx context.Context, in Inbound) {
		assert.Equal(t, "ws://self", in.Source)
		_ = in.Stream.Fulfill(ctx)
	})

	dials := 0
	pool := NewPeerPool("ws://self", WithDialer(func(ctx context.Context, u string) (*Client, error) {
		dials++
		return Dial(ctx, u)
	}))
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Forward(ctx, url, 40, []byte("evt")))
	require.NoError(t, pool.Forward(ctx, url, 40, []byte("evt")))
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, pool.ActiveConnections())
}

func TestPeerPoolDialFailure(t *testing.T) {
	pool := NewPeerPool("ws://self")
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := pool.Forward(ctx, "ws://127.0.0.1:1", 1, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, pool.ActiveConnections())
}

func TestNormalizePeerURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"wss://Relay.Example.com/", "wss://relay.example.com", false},
		{"  ws://localhost:7000  ", "ws://localhost:7000", false},
		{"ws://node.example.com/ilp/", "ws://node.example.com/ilp", false},
		{"ws://[::1]:9000", "ws://[::1]:9000", false},
		{"https://node.example.com", "", true},
		{"node.example.com", "", true},
		{"wss://https://node.example.com", "", true},
		{"ws://", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePeerURL(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder("conn-1")
	require.NoError(t, r.SendPacket(ctx, []byte("a")))
	r.FailSends()
	assert.Error(t, r.SendPacket(ctx, []byte("b")))
	require.NoError(t, r.Reject(ctx, "nope"))
	require.NoError(t, r.Fulfill(ctx))

	assert.Equal(t, "conn-1", r.ID())
	assert.Equal(t, [][]byte{[]byte("a")}, r.Packets())
	assert.Equal(t, []string{"nope"}, r.Rejections())
	assert.Equal(t, 1, r.Fulfilled())
}
