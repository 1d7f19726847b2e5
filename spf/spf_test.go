package spf

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/sdgathman/bmsmilter/dns"
)

// testArgs are the identity used in most evaluation tests.
func testArgs(ip string) Args {
	return Args{
		RemoteIP:    net.ParseIP(ip),
		Sender:      "user@example.com",
		HelloDomain: "mail.example.com",
		Receiver:    "mx.receiver.example",
	}
}

func checkWith(t *testing.T, mock dns.MockResolver, args Args) Result {
	t.Helper()
	q := NewQuery(mock, args)
	return q.Check(context.Background())
}

func TestCheckLoopbackAlwaysPasses(t *testing.T) {
	// No DNS data at all: loopback must pass before any lookup.
	res := checkWith(t, dns.MockResolver{}, testArgs("127.0.0.1"))
	if res.Status != StatusPass || res.Code != 250 {
		t.Errorf("loopback: got %+v, want pass/250", res)
	}
}

func TestCheckResults(t *testing.T) {
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"allow.example.com.":    {"v=spf1 ip4:192.0.2.1 -all"},
			"deny.example.com.":     {"v=spf1 -all"},
			"soft.example.com.":     {"v=spf1 ~all"},
			"neutral.example.com.":  {"v=spf1 ?all"},
			"empty.example.com.":    {"v=spf1"},
			"default.example.com.":  {"v=spf1 default=deny"},
			"network.example.com.":  {"v=spf1 ip4:192.0.2.0/24 -all"},
			"nospf.example.com.":    {"just some text"},
			"broken.example.com.":   {"v=spf1 ip4:bogus -all"},
			"unknown.example.com.":  {"v=spf1 frobnicate -all"},
			"twice.example.com.":    {"v=spf1 -all", "v=spf1 +all"},
			"helo.example.com.":     {"v=spf1 a -all"},
			"amech.example.com.":    {"v=spf1 a -all"},
			"mxmech.example.com.":   {"v=spf1 mx -all"},
			"ptrmech.example.com.":  {"v=spf1 ptr -all"},
			"existmech.example.com.": {"v=spf1 exists:positive.example.com -all"},
			"ip6only.example.com.":  {"v=spf1 ip6:2001:db8::1 -all"},
		},
		A: map[string][]string{
			"amech.example.com.":    {"192.0.2.1"},
			"mx1.example.com.":      {"192.0.2.1"},
			"client.example.com.":   {"192.0.2.1"},
			"positive.example.com.": {"127.0.0.2"},
		},
		MX: map[string][]*net.MX{
			"mxmech.example.com.": {{Host: "mx1.example.com.", Pref: 10}},
		},
		PTR: map[string][]string{
			"192.0.2.1": {"client.ptrmech.example.com."},
		},
	}
	mock.A["client.ptrmech.example.com."] = []string{"192.0.2.1"}

	tests := []struct {
		name   string
		sender string
		ip     string
		status Status
		code   int
	}{
		{"ip4 match", "user@allow.example.com", "192.0.2.1", StatusPass, 250},
		{"ip4 no match", "user@allow.example.com", "192.0.2.99", StatusFail, 550},
		{"explicit deny", "user@deny.example.com", "192.0.2.1", StatusFail, 550},
		{"softfail", "user@soft.example.com", "192.0.2.1", StatusSoftfail, 250},
		{"neutral qualifier", "user@neutral.example.com", "192.0.2.1", StatusNeutral, 250},
		{"empty policy is neutral", "user@empty.example.com", "192.0.2.1", StatusNeutral, 250},
		{"legacy default modifier", "user@default.example.com", "192.0.2.1", StatusFail, 550},
		{"cidr network match", "user@network.example.com", "192.0.2.200", StatusPass, 250},
		{"no record", "user@missing.example.com", "192.0.2.1", StatusNone, 250},
		{"non-spf txt", "user@nospf.example.com", "192.0.2.1", StatusNone, 250},
		{"two records treated as none", "user@twice.example.com", "192.0.2.1", StatusNone, 250},
		{"bad ip4 argument", "user@broken.example.com", "192.0.2.1", StatusPermerror, 550},
		{"unknown mechanism", "user@unknown.example.com", "192.0.2.1", StatusPermerror, 550},
		{"a mechanism", "user@amech.example.com", "192.0.2.1", StatusPass, 250},
		{"mx mechanism", "user@mxmech.example.com", "192.0.2.1", StatusPass, 250},
		{"ptr mechanism", "user@ptrmech.example.com", "192.0.2.1", StatusPass, 250},
		{"exists mechanism", "user@existmech.example.com", "192.0.2.1", StatusPass, 250},
		{"ip6 never matches", "user@ip6only.example.com", "192.0.2.1", StatusFail, 550},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := testArgs(tt.ip)
			args.Sender = tt.sender
			res := checkWith(t, mock, args)
			if res.Status != tt.status || res.Code != tt.code {
				t.Errorf("got %s/%d (%s), want %s/%d",
					res.Status, res.Code, res.Explanation, tt.status, tt.code)
			}
		})
	}
}

func TestCheckHelloIdentity(t *testing.T) {
	// Null reverse-path: the HELO name is checked as postmaster@helo.
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"mail.example.com.": {"v=spf1 ip4:192.0.2.1 -all"},
		},
	}
	args := testArgs("192.0.2.1")
	args.Sender = ""
	q := NewQuery(mock, args)
	if got := q.Sender(); got != "postmaster@mail.example.com" {
		t.Fatalf("Sender() = %q", got)
	}
	if res := q.Check(context.Background()); res.Status != StatusPass {
		t.Errorf("helo identity: got %s, want pass", res.Status)
	}
}

func TestIncludeSemantics(t *testing.T) {
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"top.example.com.":      {"v=spf1 include:inner.example.com -all"},
			"inner.example.com.":    {"v=spf1 ip4:192.0.2.1 -all"},
			"chain.example.com.":    {"v=spf1 include:missing.example.com -all"},
			"contin.example.com.":   {"v=spf1 include:failing.example.com ip4:192.0.2.1 -all"},
			"failing.example.com.":  {"v=spf1 -all"},
		},
	}

	tests := []struct {
		name   string
		sender string
		status Status
	}{
		{"include pass matches", "user@top.example.com", StatusPass},
		{"include of unpublished domain is permerror", "user@chain.example.com", StatusPermerror},
		{"include fail continues scan", "user@contin.example.com", StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := testArgs("192.0.2.1")
			args.Sender = tt.sender
			res := checkWith(t, mock, args)
			if res.Status != tt.status {
				t.Errorf("got %s (%s), want %s", res.Status, res.Explanation, tt.status)
			}
		})
	}
}

func TestRecursionLimitBounded(t *testing.T) {
	// a.example.com redirects to itself forever.
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"loop.example.com.": {"v=spf1 redirect=loop.example.com"},
		},
	}
	args := testArgs("192.0.2.1")
	args.Sender = "user@loop.example.com"
	res := checkWith(t, mock, args)
	if res.Status != StatusPermerror {
		t.Fatalf("got %s (%s), want permerror", res.Status, res.Explanation)
	}
	if !strings.Contains(res.Explanation, "recursion") {
		t.Errorf("explanation %q should cite recursion", res.Explanation)
	}
}

func TestIncludeChainRecursionBounded(t *testing.T) {
	// A chain of include links longer than the recursion bound.
	txt := map[string][]string{}
	for i := 0; i < MaxRecursion+5; i++ {
		txt[hostN(i)+"."] = []string{"v=spf1 include:" + hostN(i+1) + " -all"}
	}
	txt[hostN(MaxRecursion+5)+"."] = []string{"v=spf1 +all"}

	args := testArgs("192.0.2.1")
	args.Sender = "user@" + hostN(0)
	res := checkWith(t, dns.MockResolver{TXT: txt}, args)
	// The innermost evaluation hits the bound; the resulting permerror is
	// not a pass, so every outer include falls through to -all.
	if res.Status != StatusFail {
		t.Errorf("got %s (%s), want fail", res.Status, res.Explanation)
	}
}

func hostN(i int) string {
	return "h" + strings.Repeat("x", i%3) + string(rune('a'+i%26)) + num(i) + ".example.com"
}

func num(i int) string {
	return strconv.Itoa(i)
}

func TestLookupBudgetBounded(t *testing.T) {
	// One giant policy with more exists terms than the lookup budget.
	var b strings.Builder
	b.WriteString("v=spf1")
	for i := 0; i < MaxLookups+10; i++ {
		b.WriteString(" exists:e" + num(i) + ".example.com")
	}
	b.WriteString(" -all")

	mock := dns.MockResolver{
		TXT: map[string][]string{
			"big.example.com.": {b.String()},
		},
		// No A records published: every exists term is a fresh lookup.
	}
	args := testArgs("192.0.2.1")
	args.Sender = "user@big.example.com"
	res := checkWith(t, mock, args)
	if res.Status != StatusPermerror {
		t.Fatalf("got %s, want permerror", res.Status)
	}
	if !strings.Contains(res.Explanation, "DNS lookups") {
		t.Errorf("explanation %q should cite the lookup budget", res.Explanation)
	}
}

func TestCIDRMatch(t *testing.T) {
	addrs := func(ss ...string) []net.IP {
		var ips []net.IP
		for _, s := range ss {
			ips = append(ips, net.ParseIP(s))
		}
		return ips
	}

	tests := []struct {
		ip    string
		list  []net.IP
		bits  int
		match bool
	}{
		{"192.168.0.45", addrs("192.168.0.44", "192.168.0.45"), 32, true},
		{"192.168.0.43", addrs("192.168.0.44", "192.168.0.45"), 32, false},
		{"192.168.0.43", addrs("192.168.0.44", "192.168.0.45"), 24, true},
		{"192.168.0.43", addrs("192.168.0.44"), 24, true},
		{"192.168.0.43", addrs("192.168.0.44"), 32, false},
		{"192.168.1.43", addrs("192.168.0.44"), 24, false},
		{"192.168.5.45", addrs("192.0.0.1"), 8, true},
		{"2001:db8::1", addrs("192.168.0.44"), 24, false},
	}

	for _, tt := range tests {
		got := cidrMatch(net.ParseIP(tt.ip), tt.list, tt.bits)
		if got != tt.match {
			t.Errorf("cidrMatch(%s, %v, %d) = %v, want %v",
				tt.ip, tt.list, tt.bits, got, tt.match)
		}
	}
}

func TestDomainMatch(t *testing.T) {
	tests := []struct {
		ptrs   []string
		suffix string
		match  bool
	}{
		{[]string{"FOO.COM"}, "foo.com", true},
		{[]string{"moo.foo.com"}, "FOO.COM", true},
		{[]string{"moo.bar.com"}, "foo.com", false},
		{[]string{"mail.example.com."}, "example.com", true},
		{nil, "example.com", false},
	}
	for _, tt := range tests {
		if got := DomainMatch(tt.ptrs, tt.suffix); got != tt.match {
			t.Errorf("DomainMatch(%v, %q) = %v, want %v", tt.ptrs, tt.suffix, got, tt.match)
		}
	}
}

func TestMacroExpansion(t *testing.T) {
	// The classic vectors for strong-bad@email.example.com from 192.0.2.3.
	mock := dns.MockResolver{
		PTR: map[string][]string{
			"192.0.2.3": {"mx.example.org."},
		},
		A: map[string][]string{
			"mx.example.org.": {"192.0.2.3"},
		},
	}
	q := NewQuery(mock, Args{
		RemoteIP:    net.ParseIP("192.0.2.3"),
		Sender:      "strong-bad@email.example.com",
		HelloDomain: "mx.example.org",
	})
	ctx := context.Background()

	tests := []struct {
		spec string
		want string
	}{
		{"%{d}", "email.example.com"},
		{"%{d4}", "email.example.com"},
		{"%{d3}", "email.example.com"},
		{"%{d2}", "example.com"},
		{"%{d1}", "com"},
		{"%{dr}", "com.example.email"},
		{"%{d2r}", "example.email"},
		{"%{l}", "strong-bad"},
		{"%{l-}", "strong.bad"},
		{"%{lr}", "strong-bad"},
		{"%{lr-}", "bad.strong"},
		{"%{l1r-}", "strong"},
		{"%{o}", "email.example.com"},
		{"%{i}", "192.0.2.3"},
		{"%{p}", "mx.example.org"},
		{"%{p2}", "example.org"},
		{"%{v}", "in-addr"},
		{"%{h}", "mx.example.org"},
		{"%{ir}.%{v}._spf.%{d2}", "3.2.0.192.in-addr._spf.example.com"},
		{"%{lr-}.lp._spf.%{d2}", "bad.strong.lp._spf.example.com"},
		{"%{lr-}.lp.%{ir}.%{v}._spf.%{d2}", "bad.strong.lp.3.2.0.192.in-addr._spf.example.com"},
		{"%{ir}.%{v}.%{l1r-}.lp._spf.%{d2}", "3.2.0.192.in-addr.strong.lp._spf.example.com"},
		{"%%", "%"},
		{"%_", " "},
		{"%-", "%20"},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := q.expand(ctx, tt.spec, true)
			if err != nil {
				t.Fatalf("expand(%q): %v", tt.spec, err)
			}
			if got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.spec, got, tt.want)
			}
		})
	}
}

func TestMacroSyntaxErrors(t *testing.T) {
	q := NewQuery(dns.MockResolver{}, testArgs("192.0.2.3"))
	ctx := context.Background()
	for _, spec := range []string{"%", "%x", "%{d", "%{d0}"} {
		if _, err := q.expand(ctx, spec, true); err == nil {
			t.Errorf("expand(%q): expected error", spec)
		}
	}
}

func TestExplanationModifier(t *testing.T) {
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"exp.example.com.":         {"v=spf1 -all exp=why.%{d}"},
			"why.exp.example.com.":     {"%{s} is not allowed to send from %{d}"},
		},
	}
	args := testArgs("192.0.2.1")
	args.Sender = "user@exp.example.com"
	res := checkWith(t, mock, args)
	if res.Status != StatusFail {
		t.Fatalf("got %s, want fail", res.Status)
	}
	want := "user@exp.example.com is not allowed to send from exp.example.com"
	if res.Explanation != want {
		t.Errorf("explanation = %q, want %q", res.Explanation, want)
	}
}

func TestSetDefaultExplanation(t *testing.T) {
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"deny.example.com.": {"v=spf1 -all"},
		},
	}
	args := testArgs("192.0.2.1")
	args.Sender = "user@deny.example.com"
	q := NewQuery(mock, args)
	q.SetDefaultExplanation("see http://example.com/why")
	res := q.Check(context.Background())
	if res.Status != StatusFail || res.Explanation != "see http://example.com/why" {
		t.Errorf("got %s/%q", res.Status, res.Explanation)
	}
}

func TestTempError(t *testing.T) {
	mock := dns.MockResolver{
		Fail: []string{"txt flaky.example.com."},
	}
	args := testArgs("192.0.2.1")
	args.Sender = "user@flaky.example.com"
	res := checkWith(t, mock, args)
	if res.Status != StatusTemperror || res.Code != 450 {
		t.Errorf("got %s/%d, want temperror/450", res.Status, res.Code)
	}
}

func TestBestGuess(t *testing.T) {
	mock := dns.MockResolver{
		A: map[string][]string{
			"unpublished.example.com.": {"192.0.2.10"},
		},
	}

	args := testArgs("192.0.2.10")
	args.Sender = "user@unpublished.example.com"
	q := NewQuery(mock, args)

	res := q.Check(context.Background())
	if res.Status != StatusNone {
		t.Fatalf("Check: got %s, want none", res.Status)
	}

	// The default guess policy allows the domain's own /24.
	res = q.BestGuess(context.Background(), "")
	if res.Status != StatusPass {
		t.Errorf("BestGuess: got %s (%s), want pass", res.Status, res.Explanation)
	}

	// A host outside the /24 gains nothing from the guess.
	args.RemoteIP = net.ParseIP("198.51.100.9")
	q = NewQuery(mock, args)
	res = q.BestGuess(context.Background(), "")
	if res.Status == StatusPass {
		t.Errorf("BestGuess for unrelated host: got pass")
	}
}

func TestDelegateNamespace(t *testing.T) {
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"orphan.example.com._spf.delegate.example.": {"v=spf1 ip4:192.0.2.1 -all"},
		},
	}
	args := testArgs("192.0.2.1")
	args.Sender = "user@orphan.example.com"
	args.Delegate = "delegate.example"
	res := checkWith(t, mock, args)
	if res.Status != StatusPass {
		t.Errorf("delegate lookup: got %s, want pass", res.Status)
	}
}

func TestCallerIDFallback(t *testing.T) {
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"_ep.cid.example.com.": {
				"<ep xmlns='http://ms.net/1'><out><m>",
				"<a>192.0.2.7</a><mx/>",
				"</m></out></ep>",
			},
		},
	}
	args := testArgs("192.0.2.7")
	args.Sender = "user@cid.example.com"
	res := checkWith(t, mock, args)
	if res.Status != StatusPass {
		t.Errorf("caller-ID translation: got %s (%s), want pass", res.Status, res.Explanation)
	}

	// Any other client fails the translated -all.
	args.RemoteIP = net.ParseIP("198.51.100.1")
	res = checkWith(t, mock, args)
	if res.Status != StatusFail {
		t.Errorf("caller-ID unlisted client: got %s, want fail", res.Status)
	}
}

func TestReceivedHeader(t *testing.T) {
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"allow.example.com.": {"v=spf1 ip4:192.0.2.1 -all"},
		},
	}
	args := testArgs("192.0.2.1")
	args.Sender = "user@allow.example.com"
	q := NewQuery(mock, args)
	res := q.Check(context.Background())

	hdr := q.Received(res, Modifier{"bestguess", "pass"}).Value()
	for _, want := range []string{
		"pass (mx.receiver.example:",
		"client-ip=192.0.2.1;",
		"envelope-from=user@allow.example.com;",
		"helo=mail.example.com;",
		"bestguess=pass;",
	} {
		if !strings.Contains(hdr, want) {
			t.Errorf("header %q missing %q", hdr, want)
		}
	}
}

func TestEndToEndForgedDomain(t *testing.T) {
	// The canonical forgery scenario: forged.com publishes -all.
	mock := dns.MockResolver{
		TXT: map[string][]string{
			"forged.com.": {"v=spf1 -all"},
		},
		PTR: map[string][]string{
			"10.0.0.1": {"host.isp.example."},
		},
	}
	args := Args{
		RemoteIP:    net.ParseIP("10.0.0.1"),
		Sender:      "user@forged.com",
		HelloDomain: "mail.example.com",
		Receiver:    "mx.receiver.example",
	}
	res := NewQuery(mock, args).Check(context.Background())
	if res.Status != StatusFail || res.Code != 550 {
		t.Fatalf("got %s/%d, want fail/550", res.Status, res.Code)
	}

	mock.TXT["forged.com."] = []string{"v=spf1 ip4:10.0.0.1 -all"}
	res = NewQuery(mock, args).Check(context.Background())
	if res.Status != StatusPass {
		t.Fatalf("got %s, want pass", res.Status)
	}
}
