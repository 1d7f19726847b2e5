// Package gossip is a client for the distributed sender-reputation
// service. Each queried message gets a UMIS token; the service returns
// an aggregated reputation score and confidence for the sender domain,
// and later feedback (spam or ham) under the same token adjusts the
// shared reputation.
//
// The wire protocol is MessagePack-framed over TCP: a request array and
// a response array per call. Failures must never block mail: callers
// treat any error as "no reputation available".
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tinylib/msgp/msgp"
)

var ErrBadResponse = errors.New("gossip: malformed response")

// Result is the reputation answer for one message.
type Result struct {
	// Reputation ranges -100 (certain spammer) to 100.
	Reputation int

	// Confidence grows with the number of reports behind the score.
	Confidence int

	// Header is the X-GOSSiP header value to attach to the message.
	Header string
}

// NewUMIS returns a fresh unique message identification string.
func NewUMIS() string {
	return ulid.Make().String()
}

// Client queries one reputation server.
type Client struct {
	addr    string
	timeout time.Duration
	ttl     int
	logger  *slog.Logger
}

// NewClient returns a client for the server at addr (host:port).
// timeout 0 means 5 seconds; ttl is the peer-relay hop count, 0 means 1.
func NewClient(addr string, timeout time.Duration, ttl int, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if ttl == 0 {
		ttl = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{addr: addr, timeout: timeout, ttl: ttl, logger: logger}
}

// Query asks for the reputation of domain under the given qualifier
// (the identity class that earned it: SPF, GUESS, HELO, or a raw SPF
// result for unauthenticated senders).
func (c *Client) Query(ctx context.Context, umis, domain, qualifier string) (*Result, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	w := msgp.NewWriter(conn)
	if err := writeStrings(w, "query", umis, domain, qualifier); err != nil {
		return nil, fmt.Errorf("gossip: send query: %w", err)
	}
	if err := w.WriteInt(c.ttl); err != nil {
		return nil, fmt.Errorf("gossip: send query: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("gossip: send query: %w", err)
	}

	r := msgp.NewReader(conn)
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, fmt.Errorf("gossip: read response: %w", err)
	}
	if n != 3 {
		return nil, fmt.Errorf("%w: %d fields", ErrBadResponse, n)
	}
	header, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("gossip: read response: %w", err)
	}
	rep, err := r.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("gossip: read response: %w", err)
	}
	conf, err := r.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("gossip: read response: %w", err)
	}
	return &Result{Reputation: rep, Confidence: conf, Header: header}, nil
}

// Feedback reports the final disposition of a previously queried
// message: spam trains the reputation down, ham up.
func (c *Client) Feedback(ctx context.Context, umis string, spam bool) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := msgp.NewWriter(conn)
	if err := writeStrings(w, "feedback", umis); err != nil {
		return fmt.Errorf("gossip: send feedback: %w", err)
	}
	if err := w.WriteBool(spam); err != nil {
		return fmt.Errorf("gossip: send feedback: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("gossip: send feedback: %w", err)
	}

	r := msgp.NewReader(conn)
	ack, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("gossip: read ack: %w", err)
	}
	if ack != "ok" {
		return fmt.Errorf("%w: ack %q", ErrBadResponse, ack)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("gossip: dial %s: %w", c.addr, err)
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	return conn, nil
}

// writeStrings opens a request array of the verb, its string arguments,
// and one trailing field the caller writes next.
func writeStrings(w *msgp.Writer, verb string, args ...string) error {
	if err := w.WriteArrayHeader(uint32(1 + len(args) + 1)); err != nil {
		return err
	}
	if err := w.WriteString(verb); err != nil {
		return err
	}
	for _, a := range args {
		if err := w.WriteString(a); err != nil {
			return err
		}
	}
	return nil
}
