package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sdgathman/bmsmilter/dns"
)

// Evaluation limits. A single evaluation, including every include and
// redirect it triggers, shares one lookup budget and one recursion bound.
const (
	// MaxLookups is the maximum number of distinct DNS lookups per
	// evaluation.
	MaxLookups = 100

	// MaxRecursion is the maximum include/redirect nesting depth.
	MaxRecursion = 20
)

// DefaultPolicy is the best-guess policy evaluated for domains that publish
// nothing: hosts on the same /24 as the domain's address or MX records, or
// matching its reverse DNS, probably speak for it.
const DefaultPolicy = "v=spf1 a/24 mx/24 ptr"

// SPF evaluation errors.
var (
	ErrMacroSyntax = errors.New("spf: macro syntax error")
)

// Status is the result of SPF evaluation.
type Status string

const (
	// StatusNone indicates the domain publishes no policy.
	StatusNone Status = "none"

	// StatusNeutral indicates the domain states nothing about the IP.
	StatusNeutral Status = "neutral"

	// StatusPass indicates the IP is authorized to send for the domain.
	StatusPass Status = "pass"

	// StatusFail indicates the IP is explicitly not authorized.
	StatusFail Status = "fail"

	// StatusSoftfail indicates the IP is probably not authorized, but the
	// domain is still transitioning to a full policy.
	StatusSoftfail Status = "softfail"

	// StatusTemperror indicates a temporary DNS failure. Historically
	// reported as "error".
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a broken policy or an exhausted
	// evaluation limit. Historically reported as "unknown".
	StatusPermerror Status = "permerror"
)

// Result is a terminal evaluation outcome: the status, an SMTP-style
// status code (250, 450 or 550), and a human-readable explanation.
type Result struct {
	Status      Status
	Code        int
	Explanation string
}

// Default explanations, overridable per query and by the exp= modifier.
var explanations = map[Status]string{
	StatusPass:      "sender SPF verified",
	StatusFail:      "access denied",
	StatusPermerror: "SPF unknown",
	StatusSoftfail:  "domain in transition",
	StatusNeutral:   "access neither permitted nor denied",
	StatusNone:      "",
}

// Args are the inputs to one SPF evaluation.
type Args struct {
	// RemoteIP is the connecting client address. Only IPv4 clients can
	// obtain a pass.
	RemoteIP net.IP

	// Sender is the envelope sender address. Empty for the null
	// reverse-path; the HELO identity is checked instead.
	Sender string

	// HelloDomain is the SMTP HELO/EHLO name.
	HelloDomain string

	// Receiver is the receiving hostname, reported in Received-SPF.
	Receiver string

	// Delegate, when set, names a fallback namespace: a domain without a
	// policy is retried as <domain>._spf.<Delegate>.
	Delegate string
}

// permanentError aborts evaluation with a permerror result.
type permanentError struct {
	msg  string
	mech string
}

func (e *permanentError) Error() string {
	if e.mech != "" {
		return e.msg + ": " + e.mech
	}
	return e.msg
}

// Mocked for testing the "t" macro.
var timeNow = time.Now

// Query carries the state of one SPF evaluation: the identity being
// checked, the current evaluation domain (which mutates during include and
// redirect recursion), and a private memoizing DNS cache that enforces the
// lookup budget. A Query is not safe for concurrent use, but may evaluate
// several policies in sequence (Check, then BestGuess) sharing the cache.
type Query struct {
	resolver *dns.Cache
	args     Args

	senderLocal  string // effective local-part ("postmaster" if absent)
	senderDomain string // effective sender domain
	domain       string // current evaluation domain
	ip           string // client IP in dotted form

	exps     map[Status]string
	problem  string // diagnostic for permerror results
	matched  string // directive that produced the result
	ptrName  string // cached %{p} expansion
}

// NewQuery prepares an evaluation for the given resolver and identity.
func NewQuery(resolver dns.Resolver, args Args) *Query {
	local, domain := splitEmail(args.Sender, args.HelloDomain)
	q := &Query{
		resolver:     dns.NewCache(resolver, MaxLookups),
		args:         args,
		senderLocal:  local,
		senderDomain: domain,
		domain:       domain,
		exps:         make(map[Status]string, len(explanations)),
	}
	if ip4 := args.RemoteIP.To4(); ip4 != nil {
		q.ip = ip4.String()
	} else if args.RemoteIP != nil {
		q.ip = args.RemoteIP.String()
	}
	for k, v := range explanations {
		q.exps[k] = v
	}
	return q
}

// SetDefaultExplanation overrides the explanation for unfavorable results.
func (q *Query) SetDefaultExplanation(exp string) {
	q.exps[StatusSoftfail] = exp
	q.exps[StatusFail] = exp
	q.exps[StatusPermerror] = exp
}

// Sender returns the effective sender mailbox (local@domain).
func (q *Query) Sender() string { return q.senderLocal + "@" + q.senderDomain }

// SenderDomain returns the effective sender domain.
func (q *Query) SenderDomain() string { return q.senderDomain }

// Domain returns the domain most recently under evaluation.
func (q *Query) Domain() string { return q.domain }

// HelloDomain returns the HELO identity.
func (q *Query) HelloDomain() string { return q.args.HelloDomain }

// Lookups returns the number of DNS lookups consumed so far.
func (q *Query) Lookups() int { return q.resolver.Lookups() }

// Check evaluates the published policy of the sender domain.
//
// Loopback clients pass unconditionally. If the domain publishes no SPF
// TXT record, the delegate namespace and then a caller-ID record are
// consulted before concluding none.
func (q *Query) Check(ctx context.Context) Result {
	if q.loopback() {
		return Result{StatusPass, 250, "local connections always pass"}
	}

	txt, err := q.policyText(ctx, q.domain)
	if err != nil {
		return q.errorResult(err)
	}
	res, err := q.eval(ctx, txt, q.domain, 0)
	if err != nil {
		return q.errorResult(err)
	}
	return res
}

// BestGuess evaluates a synthetic policy for the sender domain, used when
// Check returned none. An empty policy means DefaultPolicy.
func (q *Query) BestGuess(ctx context.Context, policy string) Result {
	if policy == "" {
		policy = DefaultPolicy
	}
	if q.loopback() {
		return Result{StatusPass, 250, "local connections always pass"}
	}
	res, err := q.eval(ctx, policy, q.senderDomain, 0)
	if err != nil {
		return q.errorResult(err)
	}
	return res
}

func (q *Query) loopback() bool {
	ip4 := q.args.RemoteIP.To4()
	return ip4 != nil && ip4[0] == 127
}

// errorResult maps an evaluation error to a terminal result.
func (q *Query) errorResult(err error) Result {
	var perr *permanentError
	switch {
	case errors.As(err, &perr):
		q.problem = perr.msg
		return Result{StatusPermerror, 550, "SPF Permanent Error: " + perr.Error()}
	case errors.Is(err, dns.ErrDNSLimitExceeded):
		q.problem = "too many DNS lookups"
		return Result{StatusPermerror, 550, "SPF Permanent Error: too many DNS lookups"}
	default:
		return Result{StatusTemperror, 450, "SPF Temporary Error: " + err.Error()}
	}
}

// policyText fetches the SPF policy text for domain. Returns empty text
// when the domain publishes nothing usable (including more than one SPF
// record, which is treated as publishing none).
func (q *Query) policyText(ctx context.Context, domain string) (string, error) {
	txt, err := q.spfTXT(ctx, domain)
	if err != nil || txt != "" {
		return txt, err
	}

	if q.args.Delegate != "" {
		txt, err = q.spfTXT(ctx, domain+"._spf."+q.args.Delegate)
		if err != nil || txt != "" {
			return txt, err
		}
	}

	// No SPF record: translate a caller-ID record if present.
	return q.callerID(ctx, domain, 0)
}

// spfTXT returns the single v=spf1 TXT record for domain, or empty.
func (q *Query) spfTXT(ctx context.Context, domain string) (string, error) {
	if domain == "" {
		return "", nil
	}
	txts, err := q.resolver.LookupTXT(ctx, domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}

	var found []string
	for _, t := range txts {
		if strings.HasPrefix(t, "v=spf1") {
			found = append(found, t)
		}
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return "", nil
}

// eval evaluates policy text for domain at the given recursion depth.
func (q *Query) eval(ctx context.Context, policy, domain string, depth int) (Result, error) {
	if depth > MaxRecursion {
		q.problem = "too many levels of recursion"
		return Result{StatusPermerror, 250, "SPF recursion limit exceeded"}, nil
	}

	prev := q.domain
	q.domain = domain
	defer func() { q.domain = prev }()

	if policy == "" {
		return Result{StatusNone, 250, q.exps[StatusNone]}, nil
	}

	rec, isSPF, err := ParseRecord(policy)
	if err != nil {
		return Result{}, &permanentError{msg: err.Error()}
	}
	if !isSPF {
		return Result{StatusNone, 250, q.exps[StatusNone]}, nil
	}

	for _, d := range rec.Directives {
		matched, err := q.match(ctx, d, depth)
		if err != nil {
			return Result{}, err
		}
		if !matched {
			continue
		}

		q.matched = d.String()
		status := StatusPass
		if d.Qualifier != "" {
			status = qualifierResults[d.Qualifier]
		}
		return q.finish(ctx, rec, status)
	}

	// No directive matched.
	if rec.Redirect != "" {
		target, err := q.expand(ctx, rec.Redirect, true)
		if err != nil {
			return Result{}, err
		}
		txt, err := q.policyText(ctx, target)
		if err != nil {
			return Result{}, err
		}
		return q.eval(ctx, txt, target, depth+1)
	}

	status := rec.Default
	if status == "" {
		status = StatusNeutral
	}
	return q.finish(ctx, rec, status)
}

// finish builds the terminal result for a status, resolving the
// explanation text.
func (q *Query) finish(ctx context.Context, rec *Record, status Status) (Result, error) {
	expl := q.exps[status]
	if rec.Explanation != "" && (status == StatusFail || status == StatusPermerror) {
		if s := q.explanation(ctx, rec.Explanation); s != "" {
			expl = s
		}
	}
	code := 250
	if status == StatusFail {
		code = 550
	}
	return Result{status, code, expl}, nil
}

// explanation resolves an exp= modifier: expand the domain spec, fetch its
// TXT record, and expand that text. Failures fall back to the default
// explanation rather than disturbing the result.
func (q *Query) explanation(ctx context.Context, spec string) string {
	name, err := q.expand(ctx, spec, true)
	if err != nil || name == "" {
		return ""
	}
	txts, err := q.resolver.LookupTXT(ctx, name)
	if err != nil || len(txts) == 0 {
		return ""
	}
	s, err := q.expand(ctx, strings.Join(txts, ""), false)
	if err != nil {
		return ""
	}
	return s
}

// match evaluates one directive against the client IP.
func (q *Query) match(ctx context.Context, d Directive, depth int) (bool, error) {
	arg := d.Arg
	switch d.Mechanism {
	case "a", "mx", "ptr", "prt", "exists", "include":
		if arg == "" {
			arg = q.domain
		} else {
			var err error
			arg, err = q.expand(ctx, arg, true)
			if err != nil {
				return false, err
			}
		}
	}

	switch d.Mechanism {
	case "all":
		return true, nil

	case "include":
		if arg == q.domain {
			return false, &permanentError{"include mechanism missing domain", d.String()}
		}
		txt, err := q.policyText(ctx, arg)
		if err != nil {
			return false, err
		}
		res, err := q.eval(ctx, txt, arg, depth+1)
		if err != nil {
			return false, err
		}
		switch res.Status {
		case StatusPass:
			return true, nil
		case StatusNone:
			return false, &permanentError{
				"no valid SPF record for included domain: " + arg, d.String()}
		}
		return false, nil

	case "exists":
		ips, err := q.lookupA(ctx, arg)
		if err != nil {
			return false, err
		}
		return len(ips) > 0, nil

	case "a":
		ips, err := q.lookupA(ctx, arg)
		if err != nil {
			return false, err
		}
		return cidrMatch(q.args.RemoteIP, ips, d.CIDR), nil

	case "mx":
		mxs, err := q.resolver.LookupMX(ctx, arg)
		if err != nil {
			if dns.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		for _, mx := range mxs {
			host := strings.TrimSuffix(mx.Host, ".")
			if host == "" {
				continue
			}
			ips, err := q.lookupA(ctx, host)
			if err != nil {
				return false, err
			}
			if cidrMatch(q.args.RemoteIP, ips, d.CIDR) {
				return true, nil
			}
		}
		return false, nil

	case "ptr", "prt":
		ptrs, err := q.validatedPTRs(ctx)
		if err != nil {
			return false, err
		}
		return DomainMatch(ptrs, arg), nil

	case "ip4", "ipv4", "ip":
		if d.Arg == "" {
			return false, nil
		}
		ip := net.ParseIP(d.Arg)
		if ip == nil || ip.To4() == nil {
			return false, &permanentError{"syntax error", d.String()}
		}
		return cidrMatch(q.args.RemoteIP, []net.IP{ip}, d.CIDR), nil

	case "ip6", "ipv6":
		// IPv4-only deployment: an IPv6 mechanism can never match the
		// connecting client.
		return false, nil
	}

	return false, &permanentError{"unknown mechanism found", d.String()}
}

// lookupA returns the IPv4 addresses for a host, with not-found folded
// into an empty answer.
func (q *Query) lookupA(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := q.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return ips, nil
}

// validatedPTRs returns the reverse names of the client IP whose forward
// records include that IP.
func (q *Query) validatedPTRs(ctx context.Context) ([]string, error) {
	names, err := q.resolver.LookupAddr(ctx, q.ip)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var valid []string
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if name == "" {
			continue
		}
		ips, err := q.lookupA(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			if ip.Equal(q.args.RemoteIP) {
				valid = append(valid, name)
				break
			}
		}
	}
	return valid, nil
}

// DomainMatch reports whether any of names equals domainsuffix or is a
// subdomain of it. Comparison is case-insensitive.
func DomainMatch(names []string, domainsuffix string) bool {
	suffix := strings.ToLower(strings.TrimSuffix(domainsuffix, "."))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if name == suffix || strings.HasSuffix(name, "."+suffix) {
			return true
		}
	}
	return false
}

// cidrMatch reports whether remote falls in the same /bits network as any
// of addrs. Only IPv4 addresses participate.
func cidrMatch(remote net.IP, addrs []net.IP, bits int) bool {
	r4 := remote.To4()
	if r4 == nil {
		return false
	}
	if bits > 32 {
		bits = 32
	}
	mask := net.CIDRMask(bits, 32)
	masked := r4.Mask(mask)
	for _, a := range addrs {
		a4 := a.To4()
		if a4 == nil {
			continue
		}
		if a4.Mask(mask).Equal(masked) {
			return true
		}
	}
	return false
}

// expand performs macro expansion on a policy term or explanation string.
// inDNS restricts the expansion to macros valid in domain specs (the c, r
// and t macros only appear in explanation text).
func (q *Query) expand(ctx context.Context, spec string, inDNS bool) (string, error) {
	var b strings.Builder
	i := 0
	n := len(spec)

	for i < n {
		c := spec[i]
		i++

		if c != '%' {
			b.WriteByte(c)
			continue
		}

		if i >= n {
			return "", fmt.Errorf("%w: trailing %%", ErrMacroSyntax)
		}
		c = spec[i]
		i++

		switch c {
		case '%':
			b.WriteByte('%')
			continue
		case '_':
			b.WriteByte(' ')
			continue
		case '-':
			b.WriteString("%20")
			continue
		case '{':
			// Parse macro
		default:
			return "", fmt.Errorf("%w: invalid macro %%%c", ErrMacroSyntax, c)
		}

		if i >= n {
			return "", fmt.Errorf("%w: incomplete macro", ErrMacroSyntax)
		}
		c = spec[i]
		i++

		upper := false
		if c >= 'A' && c <= 'Z' {
			upper = true
			c += 'a' - 'A'
		}

		var v string
		switch c {
		case 's':
			v = q.senderLocal + "@" + q.senderDomain
		case 'l':
			v = q.senderLocal
		case 'o':
			v = q.senderDomain
		case 'd':
			v = q.domain
		case 'i':
			v = q.ip
		case 'p':
			v = q.ptrMacro(ctx)
		case 'v':
			v = "in-addr"
		case 'h':
			v = q.args.HelloDomain
		case 'r':
			if inDNS {
				return "", fmt.Errorf("%w: macro %%r only allowed in exp", ErrMacroSyntax)
			}
			v = q.args.Receiver
		case 't':
			if inDNS {
				return "", fmt.Errorf("%w: macro %%t only allowed in exp", ErrMacroSyntax)
			}
			v = strconv.FormatInt(timeNow().Unix(), 10)
		default:
			// Unknown letters expand to nothing.
		}

		// Parse optional transformer
		digits := ""
		for i < n && spec[i] >= '0' && spec[i] <= '9' {
			digits += string(spec[i])
			i++
		}
		nlabels := -1
		if digits != "" {
			nv, err := strconv.Atoi(digits)
			if err != nil || nv == 0 {
				return "", fmt.Errorf("%w: invalid label count %q", ErrMacroSyntax, digits)
			}
			nlabels = nv
		}

		// Optional reverse
		reverse := false
		if i < n && (spec[i] == 'r' || spec[i] == 'R') {
			reverse = true
			i++
		}

		// Optional delimiters
		delim := ""
		for i < n {
			switch spec[i] {
			case '.', '-', '+', ',', '/', '_', '=':
				delim += string(spec[i])
				i++
				continue
			}
			break
		}

		// Closing brace
		if i >= n || spec[i] != '}' {
			return "", fmt.Errorf("%w: missing closing }", ErrMacroSyntax)
		}
		i++

		// Apply transformers
		if nlabels >= 0 || reverse || delim != "" {
			if delim == "" {
				delim = "."
			}
			t := splitByDelim(v, delim)
			if reverse {
				reverseSlice(t)
			}
			if nlabels > 0 && nlabels < len(t) {
				t = t[len(t)-nlabels:]
			}
			v = strings.Join(t, ".")
		}

		// URL encode if uppercase
		if upper {
			v = url.QueryEscape(v)
		}

		b.WriteString(v)
	}

	return b.String(), nil
}

// ptrMacro resolves the %{p} macro: the first reverse name of the client
// IP, or the IP itself when none resolves.
func (q *Query) ptrMacro(ctx context.Context) string {
	if q.ptrName != "" {
		return q.ptrName
	}
	names, err := q.resolver.LookupAddr(ctx, q.ip)
	if err != nil || len(names) == 0 {
		q.ptrName = q.ip
	} else {
		q.ptrName = strings.TrimSuffix(names[0], ".")
	}
	return q.ptrName
}

// splitEmail splits a sender address into local-part and domain, falling
// back to postmaster and the HELO name.
func splitEmail(sender, helo string) (local, domain string) {
	if sender == "" {
		return "postmaster", helo
	}
	if i := strings.IndexByte(sender, '@'); i >= 0 {
		return sender[:i], sender[i+1:]
	}
	return "postmaster", sender
}

// splitByDelim splits a string by any character in delim.
func splitByDelim(s, delim string) []string {
	isDelim := func(c rune) bool {
		for _, d := range delim {
			if d == c {
				return true
			}
		}
		return false
	}

	var result []string
	start := 0
	for i, c := range s {
		if isDelim(c) {
			result = append(result, s[start:i])
			start = i + 1
		}
	}
	result = append(result, s[start:])
	return result
}

// reverseSlice reverses a slice in place.
func reverseSlice(s []string) {
	n := len(s)
	for i := 0; i < n/2; i++ {
		s[i], s[n-1-i] = s[n-1-i], s[i]
	}
}
