package filter

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sdgathman/bmsmilter/access"
	"github.com/sdgathman/bmsmilter/ban"
	"github.com/sdgathman/bmsmilter/cache"
	"github.com/sdgathman/bmsmilter/config"
	"github.com/sdgathman/bmsmilter/dns"
	"github.com/sdgathman/bmsmilter/srs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Milter.TempDir = t.TempDir()
	cfg.Milter.InternalConnect = []string{"10.0.0.0/8"}
	cfg.Milter.TrustedRelay = []string{"198.51.100.7/32"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return &cfg
}

func testFilter(t *testing.T, r *dns.MockResolver) *Filter {
	t.Helper()
	if r == nil {
		r = &dns.MockResolver{}
	}
	return &Filter{
		Config:   testConfig(t),
		Resolver: r,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func connectExternal(t *testing.T, f *Filter) *Session {
	t.Helper()
	s := f.NewSession()
	rc := s.Connect("mail.sender.example", net.ParseIP("192.0.2.1"),
		Macros{"j": "mx.receiver.example"})
	if rc.Verdict != Continue {
		t.Fatalf("connect verdict = %v", rc.Verdict)
	}
	return s
}

func TestConnectTrustClassing(t *testing.T) {
	f := testFilter(t, nil)
	tests := []struct {
		ip       string
		internal bool
		trusted  bool
	}{
		{"10.1.2.3", true, false},
		{"198.51.100.7", false, true},
		{"192.0.2.1", false, false},
	}
	for _, tt := range tests {
		s := f.NewSession()
		s.Connect("host.example.com", net.ParseIP(tt.ip), Macros{"j": "mx"})
		if s.internal != tt.internal || s.trusted != tt.trusted {
			t.Errorf("%s: internal=%v trusted=%v, want %v/%v",
				tt.ip, s.internal, s.trusted, tt.internal, tt.trusted)
		}
	}
}

func TestConnectBannedIPDelayedReject(t *testing.T) {
	f := testFilter(t, nil)
	f.BannedIPs = ban.NewSet(f.Logger)
	f.BannedIPs.Add("192.0.2.66")

	s := f.NewSession()
	rc := s.Connect("spam.example", net.ParseIP("192.0.2.66"), Macros{"j": "mx"})
	if rc.Verdict != Continue {
		t.Fatalf("connect verdict = %v, want delayed continue", rc.Verdict)
	}
	if s.reject == nil {
		t.Fatal("no delayed reject stored")
	}
	// Fires at the first header.
	rc = s.Header(context.Background(), "Subject", "hi")
	if rc.Verdict != Reject {
		t.Fatalf("header verdict = %v, want Reject", rc.Verdict)
	}
	if rc.Reply.Code != "550" {
		t.Errorf("reply code = %s", rc.Reply.Code)
	}
}

func TestConnectBogusPTR(t *testing.T) {
	f := testFilter(t, nil)
	tests := []struct {
		host    string
		ip      string
		delayed bool
	}{
		{"localhost", "192.0.2.1", true},
		{"localhost", "127.0.0.1", false},
		{".", "192.0.2.1", true},
		{"mail.example.com", "192.0.2.1", false},
	}
	for _, tt := range tests {
		s := f.NewSession()
		s.Connect(tt.host, net.ParseIP(tt.ip), Macros{"j": "mx"})
		if got := s.reject != nil; got != tt.delayed {
			t.Errorf("%s from %s: delayed reject = %v, want %v",
				tt.host, tt.ip, got, tt.delayed)
		}
	}
}

func TestHeloNumericReject(t *testing.T) {
	f := testFilter(t, nil)
	s := connectExternal(t, f)
	if rc := s.Helo("192.0.2.1"); rc.Verdict != Reject {
		t.Errorf("numeric helo verdict = %v", rc.Verdict)
	}
	if rc := s.Helo("[192.0.2.1]"); rc.Verdict != Reject {
		t.Errorf("bracketed numeric helo verdict = %v", rc.Verdict)
	}
	if rc := s.Helo("mail.example.com"); rc.Verdict != Continue {
		t.Errorf("named helo verdict = %v", rc.Verdict)
	}
}

func TestHeloNumericAllowedInternally(t *testing.T) {
	f := testFilter(t, nil)
	s := f.NewSession()
	s.Connect("copier.corp", net.ParseIP("10.0.0.9"), Macros{"j": "mx"})
	if rc := s.Helo("192.0.2.1"); rc.Verdict != Continue {
		t.Errorf("internal numeric helo verdict = %v", rc.Verdict)
	}
}

func TestHeloBlacklistOffense(t *testing.T) {
	f := testFilter(t, nil)
	f.Config.Milter.HelloBlacklist = []string{"mx.receiver.example"}
	s := connectExternal(t, f)
	rc := s.Helo("mx.receiver.example")
	if rc.Verdict != Reject {
		t.Fatalf("verdict = %v", rc.Verdict)
	}
	if s.offense.Count() != 4 {
		t.Errorf("offense count = %d, want 4", s.offense.Count())
	}
}

func TestHeloAfterMailFrom(t *testing.T) {
	f := testFilter(t, nil)
	s := connectExternal(t, f)
	s.Helo("lying.example")
	s.msg = &message{mailFrom: "<a@b.example>"}
	rc := s.Helo("other.example")
	if rc.Verdict != Reject {
		t.Errorf("verdict = %v", rc.Verdict)
	}
	if s.offense.Count() != 2 {
		t.Errorf("offense count = %d, want 2", s.offense.Count())
	}
}

func TestMailFromMissingHelo(t *testing.T) {
	f := testFilter(t, nil)
	s := connectExternal(t, f)
	rc := s.MailFrom(context.Background(), "<user@example.com>", Macros{})
	if rc.Verdict != Reject {
		t.Errorf("verdict = %v, want Reject", rc.Verdict)
	}
}

func TestMailFromZombie(t *testing.T) {
	f := testFilter(t, nil)
	f.Config.Milter.InternalDomains = []string{"corp.example", "*.corp.example"}
	s := f.NewSession()
	s.Connect("pc42.corp", net.ParseIP("10.0.0.42"), Macros{"j": "mx"})
	s.Helo("pc42.corp")

	rc := s.MailFrom(context.Background(), "<user@corp.example>", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("internal domain verdict = %v", rc.Verdict)
	}
	rc = s.MailFrom(context.Background(), "<forged@bank.example>", Macros{})
	if rc.Verdict != Reject {
		t.Fatalf("foreign domain verdict = %v, want Reject", rc.Verdict)
	}
}

func TestMailFromAuthCancelsDelayedReject(t *testing.T) {
	f := testFilter(t, nil)
	f.BannedIPs = ban.NewSet(f.Logger)
	f.BannedIPs.Add("192.0.2.66")
	s := f.NewSession()
	s.Connect("roaming.example", net.ParseIP("192.0.2.66"), Macros{"j": "mx"})
	s.Helo("laptop.example")

	rc := s.MailFrom(context.Background(), "<me@corp.example>",
		Macros{"{auth_authen}": "me"})
	if rc.Verdict != Continue {
		t.Fatalf("verdict = %v", rc.Verdict)
	}
	if s.reject != nil {
		t.Error("delayed reject not canceled by auth")
	}
	if !s.internal {
		t.Error("authenticated connection not classed internal")
	}
}

func TestMailFromSRSReversal(t *testing.T) {
	rw := srs.New("secret", 8, 8)
	signed, err := rw.Forward("alice@origin.example", "fw.example")
	if err != nil {
		t.Fatal(err)
	}

	f := testFilter(t, &dns.MockResolver{})
	f.Rewriter = rw
	f.Config.SRS.SignDomains = []string{"fw.example"}
	s := f.NewSession()
	s.Connect("relay.fw.example", net.ParseIP("10.0.0.5"), Macros{"j": "mx"})
	s.Helo("relay.fw.example")

	rc := s.MailFrom(context.Background(), "<"+signed+">", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("signed sender verdict = %v", rc.Verdict)
	}
	if s.msg.eFrom != "alice@origin.example" {
		t.Errorf("effective from = %q", s.msg.eFrom)
	}

	tampered := strings.Replace(signed, "SRS0=", "SRS0=XXXX", 1)
	rc = s.MailFrom(context.Background(), "<"+tampered+">", Macros{})
	if rc.Verdict != Reject {
		t.Fatalf("tampered sender verdict = %v, want Reject", rc.Verdict)
	}
}

func TestMailFromBannedDomain(t *testing.T) {
	f := testFilter(t, &dns.MockResolver{
		TXT: map[string][]string{
			"spammer.example.": {"v=spf1 ip4:192.0.2.1 -all"},
		},
	})
	f.BannedDomains = ban.NewSet(f.Logger)
	f.BannedDomains.Add("spammer.example")
	s := connectExternal(t, f)
	s.Helo("mail.spammer.example")

	rc := s.MailFrom(context.Background(), "<sales@spammer.example>", Macros{})
	if rc.Verdict != Continue || s.reject == nil {
		t.Fatalf("verdict = %v reject = %v, want delayed reject", rc.Verdict, s.reject)
	}
}

func TestCheckSPFPassAddsHeader(t *testing.T) {
	f := testFilter(t, &dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ip4:192.0.2.1 -all"},
		},
	})
	s := connectExternal(t, f)
	s.Helo("mail.sender.example")
	rc := s.MailFrom(context.Background(), "<news@sender.example>", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("verdict = %v", rc.Verdict)
	}
	if s.msg.spfResult != "pass" {
		t.Errorf("spf result = %s", s.msg.spfResult)
	}
	var found bool
	for _, h := range s.msg.muts.Headers {
		if h.Name == "Received-SPF" {
			found = true
			if !strings.HasPrefix(h.Value, "pass ") {
				t.Errorf("Received-SPF = %q", h.Value)
			}
			if h.Index != 0 {
				t.Errorf("Received-SPF index = %d, want 0", h.Index)
			}
		}
	}
	if !found {
		t.Error("no Received-SPF header accumulated")
	}
}

func TestCheckSPFFailDelayedReject(t *testing.T) {
	f := testFilter(t, &dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ip4:203.0.113.1 -all"},
		},
	})
	s := connectExternal(t, f)
	s.Helo("mail.sender.example")
	rc := s.MailFrom(context.Background(), "<news@sender.example>", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("verdict = %v (fail should delay)", rc.Verdict)
	}
	if s.reject == nil {
		t.Fatal("no delayed reject for SPF fail")
	}
	rc = s.Header(context.Background(), "Subject", "news")
	if rc.Verdict != Reject {
		t.Errorf("header verdict = %v, want Reject", rc.Verdict)
	}
}

func TestCheckSPFFailOverrideCBV(t *testing.T) {
	st := access.NewStore()
	st.Set("spf-fail:sender.example", access.CBV)
	f := testFilter(t, &dns.MockResolver{
		TXT: map[string][]string{
			"sender.example.": {"v=spf1 ip4:203.0.113.1 -all"},
		},
	})
	f.Access = st
	s := connectExternal(t, f)
	s.Helo("mail.sender.example")
	rc := s.MailFrom(context.Background(), "<news@sender.example>", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("verdict = %v", rc.Verdict)
	}
	if s.reject != nil {
		t.Error("CBV override should not reject")
	}
	if s.msg.cbv == nil {
		t.Error("no callback scheduled")
	}
}

func TestWhitelistSkipsGreylist(t *testing.T) {
	f := testFilter(t, &dns.MockResolver{
		TXT: map[string][]string{
			"friend.example.": {"v=spf1 ip4:192.0.2.1 -all"},
		},
	})
	wl := cache.New(60*24*time.Hour, f.Logger)
	wl.Set("pal@friend.example", "")
	f.AutoWhitelist = wl
	s := connectExternal(t, f)
	s.Helo("mail.friend.example")
	rc := s.MailFrom(context.Background(), "<pal@friend.example>", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("verdict = %v", rc.Verdict)
	}
	if !s.msg.whitelist {
		t.Error("SPF-passing whitelisted sender not marked whitelist")
	}
	if s.msg.grey {
		t.Error("whitelisted sender still greylisted")
	}
}

func TestWhitelistCancelsDelayedReject(t *testing.T) {
	f := testFilter(t, &dns.MockResolver{
		TXT: map[string][]string{
			"friend.example.": {"v=spf1 ip4:203.0.113.1 -all"},
		},
	})
	wl := cache.New(60*24*time.Hour, f.Logger)
	wl.Set("pal@friend.example", "")
	f.AutoWhitelist = wl
	s := connectExternal(t, f)
	s.Helo("mail.friend.example")
	rc := s.MailFrom(context.Background(), "<pal@friend.example>", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("verdict = %v", rc.Verdict)
	}
	if s.reject != nil {
		t.Fatal("known correspondent left with a pending reject")
	}
	rc = s.Header(context.Background(), "Subject", "hi")
	if rc.Verdict != Continue {
		t.Errorf("header verdict = %v, want Continue", rc.Verdict)
	}
}

func TestProbationWithoutSPFPass(t *testing.T) {
	f := testFilter(t, &dns.MockResolver{})
	wl := cache.New(60*24*time.Hour, f.Logger)
	wl.Set("pal@friend.example", "")
	f.AutoWhitelist = wl
	s := connectExternal(t, f)
	s.Helo("mail.friend.example")
	rc := s.MailFrom(context.Background(), "<pal@friend.example>", Macros{})
	if rc.Verdict != Continue {
		t.Fatalf("verdict = %v", rc.Verdict)
	}
	if s.msg.whitelist {
		t.Error("unvalidated sender should be on probation, not whitelisted")
	}
	if s.msg.scan {
		t.Error("probation should skip content scan")
	}
}

func TestBlacklistedSenderDelayedReject(t *testing.T) {
	f := testFilter(t, &dns.MockResolver{})
	bl := cache.New(30*24*time.Hour, f.Logger)
	bl.Set("spam@bad.example", "")
	f.Blacklist = bl
	s := connectExternal(t, f)
	s.Helo("mail.bad.example")
	rc := s.MailFrom(context.Background(), "<spam@bad.example>", Macros{})
	if rc.Verdict != Continue || s.reject == nil {
		t.Fatalf("verdict = %v reject = %v, want delayed reject", rc.Verdict, s.reject)
	}
	if s.offense.Count() != 2 {
		t.Errorf("offense count = %d, want 2", s.offense.Count())
	}
}
