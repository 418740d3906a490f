// relay-client publishes events to, and subscribes through, a paid relay node.
//
//	relay-client -node ws://localhost:8080/ilp publish -kind 1 -amount 50 -content hello
//	relay-client -node ws://localhost:8080/ilp subscribe -id feed -kinds 1 -ttl 600 -amount 700
//	relay-client -node ws://localhost:8080/ilp close -id feed
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"nostr-ilp-relay/internal/nostr"
	"nostr-ilp-relay/internal/packet"
	"nostr-ilp-relay/internal/pricing"
	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

var (
	nodeURL       string
	privateKeyHex string
	sender        string
)

// tagFlags collects repeated -tag name=value flags.
type tagFlags [][]string

func (t *tagFlags) String() string { return fmt.Sprint(*t) }

func (t *tagFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, "=")
	if !ok || name == "" {
		return fmt.Errorf("tag must be name=value, got %q", v)
	}
	*t = append(*t, []string{name, value})
	return nil
}

func main() {
	flag.StringVar(&nodeURL, "node", "ws://localhost:8080/ilp", "Node websocket URL")
	flag.StringVar(&privateKeyHex, "key", "", "Private key (hex or nsec) used to sign events")
	flag.StringVar(&sender, "sender", "relay-client", "Sender address reported in packets")
	flag.Usage = usage
	flag.Parse()

	if privateKeyHex == "" {
		privateKeyHex = os.Getenv("RELAY_CLIENT_KEY")
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "publish":
		err = runPublish(ctx, args)
	case "subscribe":
		err = runSubscribe(ctx, args)
	case "close":
		err = runClose(ctx, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: relay-client [-node url] [-key hex] publish|subscribe|close [flags]\n")
	flag.PrintDefaults()
}

func runPublish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	kind := fs.Int("kind", 1, "Event kind")
	content := fs.String("content", "", "Event content")
	amount := fs.String("amount", "50", "Payment amount")
	var tags tagFlags
	fs.Var(&tags, "tag", "Tag as name=value (repeatable)")
	fs.Parse(args)

	if privateKeyHex == "" {
		return errors.New("private key required: use -key flag or RELAY_CLIENT_KEY env var")
	}
	keyHex, err := nostr.PrivateKeyHex(privateKeyHex)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	priv, err := nostr.ParsePrivateKey(keyHex)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	paid, err := pricing.ParseAmount(*amount)
	if err != nil {
		return err
	}

	evt, data, err := buildEvent(priv, *kind, *content, tags, *amount, time.Now())
	if err != nil {
		return err
	}

	client, err := transport.Dial(ctx, nodeURL)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Prepare(ctx, paid, nodeURL, sender, data); err != nil {
		return describeRejection("publish", err)
	}
	npub, _ := nostr.EncodeNpub(evt.PubKey)
	note, _ := nostr.EncodeNote(evt.ID)
	log.Printf("Event %s accepted (kind:%d) from %s", note, evt.Kind, npub)
	return nil
}

func runSubscribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	subID := fs.String("id", "sub", "Subscription id")
	kinds := fs.String("kinds", "", "Comma-separated kinds")
	authors := fs.String("authors", "", "Comma-separated author pubkeys")
	since := fs.Int64("since", 0, "Only events at or after this unix time")
	limit := fs.Int("limit", 0, "Maximum stored events")
	ttl := fs.Int64("ttl", 3600, "Subscription lifetime in seconds")
	amount := fs.String("amount", "3700", "Payment amount")
	var tags tagFlags
	fs.Var(&tags, "tag", "Tag filter as name=value (repeatable)")
	fs.Parse(args)

	paid, err := pricing.ParseAmount(*amount)
	if err != nil {
		return err
	}
	filter, err := buildFilter(*kinds, *authors, *since, *limit, tags)
	if err != nil {
		return err
	}
	data, err := buildReq(*subID, *ttl, *amount, filter, time.Now())
	if err != nil {
		return err
	}

	client, err := transport.Dial(ctx, nodeURL)
	if err != nil {
		return err
	}
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range client.Packets() {
			fmt.Println(describePacket(data))
		}
	}()

	if err := client.Prepare(ctx, paid, nodeURL, sender, data); err != nil {
		return describeRejection("subscribe", err)
	}
	log.Printf("Subscription %q open for %ds, waiting for events (Ctrl-C to stop)", *subID, *ttl)

	select {
	case <-ctx.Done():
	case <-done:
		log.Printf("Connection closed by node")
	}
	return nil
}

func runClose(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("close", flag.ExitOnError)
	subID := fs.String("id", "sub", "Subscription id")
	fs.Parse(args)

	data, err := packet.EncodeMessage(packet.TypeClose, packet.Payment{Amount: "0", Purpose: "close"},
		packet.CloseMessage{SubscriptionID: *subID}, packet.Metadata{Timestamp: time.Now().Unix(), Sender: sender})
	if err != nil {
		return err
	}

	client, err := transport.Dial(ctx, nodeURL)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Prepare(ctx, 0, nodeURL, sender, data); err != nil {
		return describeRejection("close", err)
	}
	log.Printf("Close for %q sent", *subID)
	return nil
}

// buildEvent signs a new event and frames it as a paid EVENT packet.
func buildEvent(priv *btcec.PrivateKey, kind int, content string, tags [][]string, amount string, now time.Time) (*types.Event, []byte, error) {
	if tags == nil {
		tags = [][]string{}
	}
	evt := &types.Event{
		CreatedAt: now.Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := nostr.SignEvent(priv, evt); err != nil {
		return nil, nil, fmt.Errorf("sign event: %w", err)
	}
	data, err := packet.EncodeMessage(packet.TypeEvent,
		packet.Payment{Amount: amount, Purpose: "publish"},
		evt, packet.Metadata{Timestamp: now.Unix(), Sender: sender})
	if err != nil {
		return nil, nil, err
	}
	return evt, data, nil
}

// buildFilter turns command-line selectors into a filter.
func buildFilter(kinds, authors string, since int64, limit int, tags tagFlags) (types.Filter, error) {
	var f types.Filter
	for _, k := range splitList(kinds) {
		n, err := strconv.Atoi(k)
		if err != nil {
			return f, fmt.Errorf("invalid kind %q", k)
		}
		f.Kinds = append(f.Kinds, n)
	}
	f.Authors = splitList(authors)
	if since > 0 {
		f.Since = &since
	}
	f.Limit = limit
	for _, tag := range tags {
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[tag[0]] = append(f.Tags[tag[0]], tag[1])
	}
	return f, f.Validate()
}

func buildReq(subID string, ttl int64, amount string, filter types.Filter, now time.Time) ([]byte, error) {
	return packet.EncodeMessage(packet.TypeReq,
		packet.Payment{Amount: amount, Purpose: "subscribe"},
		packet.ReqMessage{SubscriptionID: subID, Filters: types.Filters{filter}},
		packet.Metadata{Timestamp: now.Unix(), Sender: sender, TTL: &ttl})
}

// describePacket renders a pushed packet as one line of output.
func describePacket(data []byte) string {
	pkt, err := packet.Decode(data)
	if err != nil {
		return fmt.Sprintf("undecodable packet: %v", err)
	}
	subID := pkt.Payload.Metadata.SubscriptionID
	switch pkt.Header.Type {
	case packet.TypeEvent:
		evt, err := pkt.Event()
		if err != nil {
			return fmt.Sprintf("[%s] malformed event: %v", subID, err)
		}
		return fmt.Sprintf("[%s] EVENT %s kind:%d from %s: %s", subID, nostr.ShortID(evt.ID), evt.Kind, nostr.ShortID(evt.PubKey), truncate(evt.Content, 80))
	case packet.TypeEOSE:
		return fmt.Sprintf("[%s] end of stored events", subID)
	default:
		return fmt.Sprintf("[%s] %s %s", subID, pkt.Header.Type, truncate(string(pkt.Payload.Nostr), 120))
	}
}

func describeRejection(op string, err error) error {
	var rej *transport.RejectError
	if errors.As(err, &rej) {
		return fmt.Errorf("%s rejected: %s", op, rej.Reason)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
