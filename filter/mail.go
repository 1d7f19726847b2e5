package filter

import (
	"context"
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/sdgathman/bmsmilter/access"
	"github.com/sdgathman/bmsmilter/gossip"
	"github.com/sdgathman/bmsmilter/spf"
	"github.com/sdgathman/bmsmilter/srs"
)

// MailFrom starts a new message on the connection.
func (s *Session) MailFrom(ctx context.Context, from string, macros Macros) Response {
	cfg := s.f.Config
	s.log.Info("mail from", "from", from)

	prev := s.msg
	if prev != nil {
		s.dropSpool()
	}
	m := &message{
		mailFrom:    from,
		scan:        true,
		forward:     true,
		dataAllowed: true,
	}
	s.msg = m

	// A delayed reject belonging to an earlier message on this
	// connection no longer applies.
	if prev != nil && prev.canonFrom != "" {
		s.reject = nil
	}

	if from == "<>" && s.internal && len(cfg.MTANets()) > 0 &&
		!inNets(cfg.MTANets(), net.ParseIP(s.connectIP)) {
		s.log.Warn("reject: null sender from non-MTA host")
		return reject(
			"Your PC is trying to send a DSN even though it is not an MTA.",
			"If you are running MS Outlook, it is broken.  If you want to",
			"send return receipts, use a more standards compliant email client.",
		)
	}

	m.canonFrom = canonicalize(from)
	m.eFrom = m.canonFrom
	local, domain := splitAddress(m.canonFrom)

	// Braindead MTAs cannot be relied on to flag DSNs; recognize the
	// usual suspects by local part.
	m.isBounce = from == "<>" || inFold(cfg.SRS.BannedUsers, local)

	m.authUser = macros.Get("{auth_authen}")
	if m.authUser != "" {
		// Any successful authentication counts as internal; detailed
		// authorization comes from the override store below.
		s.internal = true
		s.log.Info("smtp auth",
			"user", m.authUser,
			"type", macros.Get("{auth_type}"),
			"ssf", macros.Get("{auth_ssf}"))
		if s.reject != nil {
			s.log.Info("delayed reject canceled by auth")
			s.reject = nil
		}
	}

	if domain != "" {
		for _, pat := range cfg.Milter.InternalDomains {
			if ok, _ := path.Match(pat, domain); ok {
				m.internalDomain = true
				break
			}
		}

		if s.f.Rewriter != nil && inFold(cfg.SRS.SignDomains, domain) && srs.Signed(m.canonFrom) {
			orig, err := s.f.Rewriter.Reverse(m.canonFrom)
			if err != nil {
				s.log.Warn("reject: bad sender signature", "from", m.canonFrom, "err", err)
				return reject("Bad MFROM signature")
			}
			m.origFrom = orig
			m.eFrom = orig
			s.log.Info("original mail from", "from", orig)
		}

		if rc := s.checkInternalSender(m, domain); rc.Verdict != Continue {
			return rc
		}
	}

	euser, edomain := splitAddress(m.eFrom)
	if edomain != "" {
		if s.f.BannedDomains != nil && s.f.BannedDomains.ContainsDomain(edomain) {
			s.log.Warn("reject: banned domain", "domain", edomain)
			return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
				Lines: []string{fmt.Sprintf("We do not accept mail from %s", edomain)}})
		}
		if s.internal {
			wl := cfg.Milter.WhitelistSenders[edomain]
			if inFold(wl, euser) || inFold(wl, "") {
				m.whitelistSender = true
			}
		}
		if inFold(cfg.Scan.WiretapUsers[edomain], euser) && cfg.Scan.WiretapDest != "" {
			m.muts.addRecipient(cfg.Scan.WiretapDest)
		}
		if inFold(cfg.Scan.DiscardUsers[edomain], euser) {
			m.discard = true
		}
	}

	if s.heloName == "" {
		s.log.Warn("reject: missing helo")
		return reject("It's polite to say HELO first.")
	}

	if !s.internal && !s.trusted && s.connectIP != "" {
		rc := s.checkSPF(ctx)
		if rc.Verdict != Continue {
			if rc.Verdict != TempFail {
				s.offend(1, 0)
			}
			return rc
		}
		m.grey = true
	}

	res := m.spfGuess
	hres := m.spfHelo

	switch {
	case s.f.AutoWhitelist != nil && s.f.AutoWhitelist.Has(m.eFrom):
		m.grey = false
		// A known correspondent cancels any refusal queued earlier
		// in the transaction.
		s.reject = nil
		if res == spf.StatusPass || s.trusted {
			m.whitelist = true
			s.log.Info("whitelist", "from", m.eFrom)
		} else {
			// Known correspondent without a validated identity: skip
			// content scanning but keep a pending verification alive.
			m.scan = false
			s.log.Info("probation", "from", m.eFrom)
		}
		if res != spf.StatusPermerror && res != spf.StatusSoftfail {
			m.cbv = nil
		}

	case s.senderBlacklisted(m.eFrom):
		if !s.internal {
			s.offend(2, 0)
			if s.f.Blacklist != nil && s.f.Blacklist.Has(m.eFrom) {
				s.log.Warn("reject: blacklisted sender", "from", m.eFrom)
				return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
					Lines: []string{"Sender email local blacklist"}})
			}
			if s.f.Prober != nil {
				if out, ok := s.f.Prober.Cached(m.eFrom); ok && out != nil {
					desc := fmt.Sprintf("CBV: %d %s", out.Code, out.Message)
					s.log.Warn("reject: cached callback failure", "from", m.eFrom)
					return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
						Lines: []string{desc}})
				}
			}
		}

	case s.reject == nil:
		if m.policy == access.Reject || m.policy == access.Ban {
			s.log.Warn("reject: no PTR, HELO or SPF credentials")
			s.offend(1, 0)
			return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
				Lines: []string{
					fmt.Sprintf("Cannot verify %s from %s (helo %s).", m.eFrom, s.connectIP, s.heloName),
					"Your server has no PTR record, no HELO identity and no SPF",
					"record covering it.  We cannot tell your mail from a forgery.",
				}})
		}
		if edomain != "" && !s.internal && !s.trusted {
			return s.queryReputation(ctx, edomain, res, hres)
		}
	}
	return respContinue
}

// checkInternalSender enforces MAIL FROM authorization for internal
// connections: authenticated users are checked against the override
// store, anonymous internal hosts may only use internal domains.
func (s *Session) checkInternalSender(m *message, domain string) Response {
	if !s.internal {
		return respContinue
	}
	cfg := s.f.Config
	if m.authUser != "" {
		p := access.NewPolicy(s.f.Access, s.accessConfig(), m.authUser+"@"+domain)
		if d, ok := p.SMTPAuth(); ok {
			if d != access.OK {
				s.log.Warn("reject: unauthorized sender for user",
					"user", m.authUser, "from", m.canonFrom)
				return reject(fmt.Sprintf(
					"SMTP user %s is not authorized to use MAIL FROM %s.",
					m.authUser, m.canonFrom))
			}
			return respContinue
		}
	} else if s.trusted || s.connectIP == "127.0.0.1" {
		// Trust ourselves not to be a zombie.
		return respContinue
	}
	if len(cfg.Milter.InternalDomains) > 0 && !m.internalDomain {
		s.log.Warn("reject: zombie PC", "from", m.canonFrom)
		return reject(
			"Your PC is using an unauthorized MAIL FROM.",
			"It is either badly misconfigured or controlled by organized crime.",
		)
	}
	return respContinue
}

// senderBlacklisted reports a locally blacklisted sender or a cached
// callback refusal.
func (s *Session) senderBlacklisted(sender string) bool {
	if s.f.Blacklist != nil && s.f.Blacklist.Has(sender) {
		return true
	}
	if s.f.Prober != nil {
		if out, ok := s.f.Prober.Cached(sender); ok && out != nil {
			return true
		}
	}
	return false
}

// queryReputation asks the reputation service about the best validated
// identity for this message.
func (s *Session) queryReputation(ctx context.Context, domain string, res, hres spf.Status) Response {
	if s.f.Gossip == nil {
		return respContinue
	}
	m := s.msg

	// Qualify the domain by how well it was validated, so NEUTRAL
	// accrues reputation separately from SOFTFAIL.
	var qual string
	switch {
	case m.spfResult == spf.StatusPass:
		qual = "SPF"
	case res == spf.StatusPass:
		qual = "GUESS"
	case hres == spf.StatusPass:
		qual = "HELO"
		if m.spfQ != nil {
			domain = m.spfQ.HelloDomain()
		}
	default:
		qual = string(res)
	}

	umis := gossip.NewUMIS()
	r, err := s.f.Gossip.Query(ctx, umis, domain, qual)
	if err != nil {
		s.log.Warn("reputation query failed", "err", err)
		return respContinue
	}
	m.muts.addHeader("X-GOSSiP", r.Header, -1)
	m.umis = umis
	m.reputation = r.Reputation
	m.confidence = r.Confidence
	m.fromDomain = domain
	m.fromQual = qual

	if r.Reputation < -70 && r.Confidence > 5 {
		s.log.Warn("reject: reputation",
			"domain", domain, "score", r.Reputation, "qual", qual)
		return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
			Lines: []string{fmt.Sprintf(
				"%s has been sending mostly spam (score %d as %s)",
				domain, r.Reputation, qual)}})
	}
	if r.Reputation > 40 && r.Confidence > 0 {
		m.grey = false
	}
	return respContinue
}

func (s *Session) accessConfig() access.Config {
	c := s.f.Config.SPF
	return access.Config{
		AcceptFail:     c.AcceptFail,
		AcceptSoftfail: c.AcceptSoftfail,
		RejectNeutral:  c.RejectNeutral,
		RejectNoPTR:    c.RejectNoPTR,
	}
}

// canonicalize strips the angle brackets and lowercases the domain
// part of an envelope address.
func canonicalize(addr string) string {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[:i+1] + strings.ToLower(addr[i+1:])
	}
	return addr
}

func splitAddress(addr string) (local, domain string) {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}

func inFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
