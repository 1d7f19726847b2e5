// Package probe implements callback verification: confirming that a
// sender address can receive mail before trusting it. A plain probe
// opens an SMTP session to the sender's mail exchanger and offers a
// null-sender RCPT; a DSN probe additionally submits a templated
// bounce-style message whose reply address carries a forwarding
// signature, so that a later reply can be traced.
//
// Permanent refusals and acceptances are cached; temporary failures
// are surfaced to the calling transaction and not cached.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sdgathman/bmsmilter/cache"
	"github.com/sdgathman/bmsmilter/dns"
)

var (
	ErrTemporary = errors.New("probe: temporary failure")
	ErrNoServer  = errors.New("probe: no mail exchanger reachable")
)

// Outcome is a permanent SMTP refusal from the sender's exchanger.
type Outcome struct {
	Code    int
	Message string
}

func (o *Outcome) String() string {
	return fmt.Sprintf("%d %s", o.Code, o.Message)
}

// Prober verifies sender addresses.
type Prober struct {
	Resolver dns.Resolver

	// Cache holds verification results: empty value for verified
	// senders, "code,message" for refused ones.
	Cache *cache.AddrCache

	// LocalName is the HELO name offered to probed servers.
	LocalName string

	// Timeout bounds each SMTP exchange. Zero means 2 minutes.
	Timeout time.Duration

	// Port overrides the SMTP port, for tests. Zero means 25.
	Port int

	Logger *slog.Logger
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Prober) timeout() time.Duration {
	if p.Timeout == 0 {
		return 2 * time.Minute
	}
	return p.Timeout
}

// Cached returns a previously cached outcome for sender. A nil Outcome
// with ok true means the sender verified.
func (p *Prober) Cached(sender string) (*Outcome, bool) {
	if p.Cache == nil {
		return nil, false
	}
	v, ok := p.Cache.Get(sender)
	if !ok {
		return nil, false
	}
	return decodeOutcome(v), true
}

// Probe verifies sender. A nil msg performs a plain callback; a
// non-nil msg is submitted as a DSN after the probe RCPT is accepted.
//
// Returns (nil, nil) when the sender verifies, a non-nil Outcome for a
// permanent refusal, and an error wrapping ErrTemporary when the
// result is inconclusive and the transaction should retry later.
func (p *Prober) Probe(ctx context.Context, sender string, msg []byte) (*Outcome, error) {
	if out, ok := p.Cached(sender); ok {
		p.logger().Info("cbv: cached", slog.String("sender", sender))
		return out, nil
	}

	domain := sender
	if i := strings.LastIndexByte(sender, '@'); i >= 0 {
		domain = sender[i+1:]
	}

	hosts, err := p.exchangers(ctx, domain)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, host := range hosts {
		out, err := p.session(ctx, host, sender, msg)
		if err != nil {
			lastErr = err
			continue
		}
		p.record(sender, out)
		return out, nil
	}
	if lastErr == nil {
		lastErr = ErrNoServer
	}
	return nil, fmt.Errorf("%w: %s: %s", ErrTemporary, domain, lastErr)
}

// exchangers returns the MX hosts for domain in preference order,
// falling back to the domain itself when none are published.
func (p *Prober) exchangers(ctx context.Context, domain string) ([]string, error) {
	mxs, err := p.Resolver.LookupMX(ctx, domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return []string{domain}, nil
		}
		return nil, fmt.Errorf("%w: mx lookup: %s", ErrTemporary, err)
	}
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		if h := strings.TrimSuffix(mx.Host, "."); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		hosts = []string{domain}
	}
	return hosts, nil
}

// record caches a final outcome.
func (p *Prober) record(sender string, out *Outcome) {
	if p.Cache == nil {
		return
	}
	if out == nil {
		p.Cache.Set(sender, "")
		return
	}
	p.Cache.Set(sender, fmt.Sprintf("%d,%s", out.Code, out.Message))
}

func decodeOutcome(v string) *Outcome {
	if v == "" {
		return nil
	}
	code, msg, _ := strings.Cut(v, ",")
	n, err := strconv.Atoi(code)
	if err != nil {
		return nil
	}
	return &Outcome{Code: n, Message: msg}
}

// session runs one probe conversation against host. A 5xx answer to
// the probe commands is the Outcome; a 4xx or protocol problem is a
// temporary error.
func (p *Prober) session(ctx context.Context, host, sender string, msg []byte) (*Outcome, error) {
	port := p.Port
	if port == 0 {
		port = 25
	}

	d := net.Dialer{Timeout: p.timeout()}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.timeout()))

	s := probeConn{r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}

	if _, err := s.expect(220, ""); err != nil {
		return nil, err
	}
	if _, err := s.expect(250, "HELO %s", p.LocalName); err != nil {
		return nil, err
	}

	// The null reverse-path: a verification must never loop.
	code, text, err := s.cmd("MAIL FROM:<>")
	if err != nil {
		return nil, err
	}
	if out, err := disposition(code, text); out != nil || err != nil {
		return out, err
	}

	code, text, err = s.cmd("RCPT TO:<%s>", sender)
	if err != nil {
		return nil, err
	}
	if out, err := disposition(code, text); out != nil || err != nil {
		s.cmd("QUIT")
		return out, err
	}

	if msg != nil {
		if _, err := s.expect(354, "DATA"); err != nil {
			return nil, err
		}
		if err := s.data(msg); err != nil {
			return nil, err
		}
		code, text, err = s.response()
		if err != nil {
			return nil, err
		}
		if out, err := disposition(code, text); out != nil || err != nil {
			s.cmd("QUIT")
			return out, err
		}
		p.logger().Info("cbv: dsn submitted",
			slog.String("sender", sender), slog.String("host", host))
	}

	s.cmd("QUIT")
	return nil, nil
}

// disposition classifies a response: 2xx proceeds, 5xx is a permanent
// Outcome, anything else is temporary.
func disposition(code int, text string) (*Outcome, error) {
	switch {
	case code >= 200 && code < 300:
		return nil, nil
	case code >= 500 && code < 600:
		return &Outcome{Code: code, Message: text}, nil
	default:
		return nil, fmt.Errorf("%w: %d %s", ErrTemporary, code, text)
	}
}

// probeConn is a minimal SMTP conversation.
type probeConn struct {
	r *bufio.Reader
	w *bufio.Writer
}

func (s *probeConn) cmd(format string, args ...any) (int, string, error) {
	if _, err := fmt.Fprintf(s.w, format+"\r\n", args...); err != nil {
		return 0, "", err
	}
	if err := s.w.Flush(); err != nil {
		return 0, "", err
	}
	return s.response()
}

// expect sends a command (when format is non-empty) and requires the
// given reply code, treating anything else as a temporary failure.
func (s *probeConn) expect(want int, format string, args ...any) (string, error) {
	var code int
	var text string
	var err error
	if format == "" {
		code, text, err = s.response()
	} else {
		code, text, err = s.cmd(format, args...)
	}
	if err != nil {
		return "", err
	}
	if code != want {
		return "", fmt.Errorf("%w: %d %s", ErrTemporary, code, text)
	}
	return text, nil
}

// response reads one possibly multiline SMTP reply.
func (s *probeConn) response() (int, string, error) {
	var lines []string
	code := 0
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			if len(line) == 3 {
				// Bare "250" style reply.
				n, err := strconv.Atoi(line)
				if err == nil {
					return n, "", nil
				}
			}
			return 0, "", fmt.Errorf("short reply %q", line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, "", fmt.Errorf("bad reply %q", line)
		}
		if code == 0 {
			code = n
		}
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			return code, strings.Join(lines, " "), nil
		}
	}
}

// data writes the message body with dot-stuffing and the end marker.
func (s *probeConn) data(msg []byte) error {
	for _, line := range strings.SplitAfter(string(msg), "\n") {
		if line == "" {
			continue
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if _, err := s.w.WriteString(line + "\r\n"); err != nil {
			return err
		}
	}
	if _, err := s.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return s.w.Flush()
}
