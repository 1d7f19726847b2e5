package filter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sdgathman/bmsmilter/srs"
)

// RcptTo handles one envelope recipient. params are the raw ESMTP
// RCPT parameters ("KEY=VALUE").
func (s *Session) RcptTo(ctx context.Context, to string, params []string) Response {
	m := s.msg
	if m == nil {
		return respContinue
	}
	cfg := s.f.Config

	m.notify = []string{"FAILURE", "DELAY"}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			s.log.Warn("reject: invalid rcpt param", "rcpt", to, "param", p)
			return reject("Invalid RCPT PARAM")
		}
		if strings.EqualFold(k, "NOTIFY") {
			m.notify = strings.Split(strings.ToUpper(v), ",")
			if slices.Contains(m.notify, "NEVER") {
				m.notify = nil
			}
		}
	}

	// Mail to MAILER-DAEMON is generally spam that bounced.
	for _, daemon := range []string{"MAILER-DAEMON", "auto-notify"} {
		if strings.HasPrefix(to, "<"+daemon+"@") {
			s.log.Warn("reject: rcpt to daemon", "rcpt", to)
			return reject(fmt.Sprintf("%s does not accept mail", daemon))
		}
	}

	canonTo := canonicalize(to)
	user, domain := splitAddress(canonTo)
	verified := false
	if domain != "" {
		if m.isBounce && s.f.Rewriter != nil && inFold(cfg.SRS.SignDomains, domain) {
			if rc := s.verifyBounceRcpt(canonTo, &verified); rc.Verdict != Continue {
				return rc
			}
		}

		if !s.internal && inFold(cfg.Milter.PrivateRelay, domain) {
			s.log.Warn("reject: private relay", "rcpt", to)
			return reject(fmt.Sprintf("Unauthorized relay for %s", domain))
		}

		if canonTo == "postmaster@"+s.receiver {
			m.postmasterReply = true
		}
		m.recipients = append(m.recipients, canonTo)
		if m.discard {
			m.muts.delRecipient(to)
		}

		if users := cfg.Milter.CheckUser[domain]; len(users) > 0 &&
			!verified && !inFold(users, user) {
			s.log.Warn("reject: unknown user", "rcpt", to)
			s.gossipFeedback(ctx, true)
			s.offend(1, 0)
			return Response{Verdict: Reject}
		}

		if inFold(cfg.Scan.BlockForward[domain], user) {
			m.forward = false
		}

		if !strings.EqualFold(user, "postmaster") && m.umis != "" &&
			m.reputation < -50 && m.confidence > 3 {
			s.log.Warn("reject: reputation", "rcpt", to, "domain", m.fromDomain)
			return reject(fmt.Sprintf("%s has been sending mostly spam", m.fromDomain))
		}
	}

	if m.grey && s.f.Greylist != nil && m.canonFrom != "" && s.reject == nil {
		wait, err := s.f.Greylist.Check(ctx, s.connectIP, m.canonFrom, canonTo)
		switch {
		case err != nil:
			s.log.Warn("greylist check failed", "err", err)
		case wait > 0:
			s.log.Info("greylisted", "from", m.canonFrom, "rcpt", canonTo)
			s.f.metrics().Greylisted()
			return tempfail("451", "4.7.1",
				"Greylisted: http://projects.puremagic.com/greylisting/",
				fmt.Sprintf("Please retry in %.1f minutes", wait.Minutes()))
		}
	}

	s.log.Info("rcpt to", "rcpt", to)
	return respContinue
}

// verifyBounceRcpt validates a signed recipient on a suspected bounce.
// A good signature means the bounce answers mail we really sent, so
// scanning and greylisting are skipped. A recipient that looks signed
// but fails validation is a spoof.
func (s *Session) verifyBounceRcpt(canonTo string, verified *bool) Response {
	m := s.msg
	orig, err := s.f.Rewriter.Reverse(canonTo)
	if err == nil {
		s.log.Info("srs rcpt", "rcpt", orig)
		*verified = true
		m.scan = false
		m.blacklist = false
		m.grey = false
		m.delayedFailure = ""
		return respContinue
	}
	if s.internal || s.trusted {
		return respContinue
	}
	if srs.Signed(canonTo) {
		s.log.Warn("reject: spoofed srs recipient", "rcpt", canonTo)
		return reject("Invalid SRS signature")
	}
	if s.f.AutoWhitelist != nil && s.f.AutoWhitelist.Has(m.canonFrom) {
		s.log.Info("whitelisted dsn", "from", m.canonFrom)
		return respContinue
	}
	// An unsigned bounce to a signing domain is a forgery; the reject
	// is delayed to DATA so postmaster replies still get through.
	m.dataAllowed = false
	return respContinue
}

// gossipFeedback reports the message's disposition to the reputation
// service and retires the message id.
func (s *Session) gossipFeedback(ctx context.Context, spam bool) {
	m := s.msg
	if s.f.Gossip == nil || m == nil || m.umis == "" {
		return
	}
	if err := s.f.Gossip.Feedback(ctx, m.umis, spam); err != nil {
		s.log.Warn("reputation feedback failed", "err", err)
	}
	m.umis = ""
}
