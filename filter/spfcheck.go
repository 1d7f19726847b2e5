package filter

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sdgathman/bmsmilter/access"
	"github.com/sdgathman/bmsmilter/spf"
)

// checkSPF evaluates the sender policy and maps the result through the
// override store to a verdict. Rejections are delayed so whitelist
// checks in MailFrom can still cancel them.
func (s *Session) checkSPF(ctx context.Context) Response {
	m := s.msg
	cfg := s.f.Config

	var q *spf.Query
	var res spf.Result
	forwarded := false
	for _, tf := range cfg.SPF.TrustedForwarder {
		tq := spf.NewQuery(s.f.Resolver, spf.Args{
			RemoteIP:    s.remoteIP,
			HelloDomain: tf,
			Receiver:    s.receiver,
		})
		r := tq.Check(ctx)
		if r.Status == spf.StatusNone {
			r = tq.BestGuess(ctx, "v=spf1 a mx")
		}
		if r.Status == spf.StatusPass {
			s.log.Info("trusted forwarder", "helo", tf)
			q, res = tq, r
			forwarded = true
			break
		}
	}
	if !forwarded {
		q = spf.NewQuery(s.f.Resolver, spf.Args{
			RemoteIP:    s.remoteIP,
			Sender:      m.canonFrom,
			HelloDomain: s.heloName,
			Receiver:    s.receiver,
			Delegate:    cfg.SPF.Delegate,
		})
		q.SetDefaultExplanation(fmt.Sprintf(
			"SPF fail: see http://openspf.net/why.html?sender=%s&ip=%s",
			q.Sender(), s.connectIP))
		res = q.Check(ctx)
	}
	m.spfQ = q
	m.spfResult = res.Status
	actual := res
	s.f.metrics().SPFCheckCompleted(string(res.Status))

	pol := access.NewPolicy(s.f.Access, s.accessConfig(), q.Sender())

	if res.Status == spf.StatusTemperror {
		if s.needCBV(pol.ForResult(spf.StatusTemperror), q, res, "temperror") {
			s.log.Warn("tempfail: spf", "status", res.Status, "txt", res.Explanation)
			return tempfail(strconv.Itoa(res.Code), "4.3.0", res.Explanation,
				fmt.Sprintf("We cannot accept your email until the DNS server for %s", q.Domain()),
				"is operational for TXT record queries.")
		}
		res = spf.Result{Status: spf.StatusNone, Code: 250, Explanation: "ignoring DNS error"}
	}

	var hres spf.Status
	var hr spf.Result
	if res.Status != spf.StatusPass {
		if m.mailFrom != "<>" {
			h := spf.NewQuery(s.f.Resolver, spf.Args{
				RemoteIP:    s.remoteIP,
				HelloDomain: s.heloName,
				Receiver:    s.receiver,
			})
			hr = h.Check(ctx)
			hres = hr.Status
			hp := access.NewPolicy(s.f.Access, s.accessConfig(), s.heloName)
			if s.needCBV(hp.ForHelo(hres), q, hr, "heloerror") {
				s.log.Warn("reject: helo spf", "status", hres, "txt", hr.Explanation)
				return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
					Lines: []string{hr.Explanation,
						"The hostname given in your MTA's HELO response is not listed",
						"as a legitimate MTA in the SPF records for your domain.  If you",
						"get this bounce, the message was not in fact a forgery, and you",
						"should IMMEDIATELY notify your email administrator of the problem.",
					}})
			}
			if hres == spf.StatusNone && cfg.SPF.BestGuess &&
				!dynamicPTR(s.heloName, s.connectIP) {
				// HELO must match exactly, or zombies get a guessed
				// pass on their ISP's domain.
				hr = h.BestGuess(ctx, "v=spf1 a mx")
				hres = hr.Status
			}
		} else {
			hres = res.Status
		}

		unguessed := res.Status
		if m.internalDomain && res.Status == spf.StatusNone {
			// Our own domains without a published record never arrive
			// from outside legitimately.
			s.log.Warn("reject: own domain from outside", "domain", q.Domain())
			return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
				Lines: []string{"I hate talking to myself!"}})
		}
		if cfg.SPF.BestGuess && res.Status == spf.StatusNone {
			q.SetDefaultExplanation("SPF guess: see http://openspf.net/why.html")
			if s.missingPTR {
				// A dynamic PTR must not contribute to a guessed pass.
				res = q.BestGuess(ctx, "v=spf1 a/24 mx/24")
			} else {
				res = q.BestGuess(ctx, spf.DefaultPolicy)
			}
			if res.Status != spf.StatusPass && hres == spf.StatusPass &&
				spf.DomainMatch([]string{q.HelloDomain()}, q.Domain()) {
				// Valid matching HELO earns a guessed pass.
				res.Status = spf.StatusPass
			}
		}
		if s.missingPTR && unguessed == spf.StatusNone &&
			res.Status != spf.StatusPass && hres != spf.StatusPass {
			// No PTR, no HELO identity, no SPF: no credentials at all.
			res.Status = spf.StatusNone
			policy := pol.ForResult(spf.StatusNone)
			if policy == access.CBV || policy == access.DSN {
				// Any bad recipient from an anonymous host earns a ban.
				s.offend(0, 2)
			}
			s.needCBV(policy, q, res, "strike3")
			// Rejection is decided back in MailFrom, after the
			// whitelist had its say.
		}
	}

	switch res.Status {
	case spf.StatusFail:
		if s.needCBV(pol.ForResult(spf.StatusFail), q, res, "fail") {
			s.log.Warn("reject: spf fail", "txt", res.Explanation)
			if inFold(cfg.Milter.HelloBlacklist, q.Domain()) {
				s.offend(4, 0)
			}
			return s.delayReject(&Reply{Code: strconv.Itoa(res.Code), XCode: "5.7.1",
				Lines: []string{res.Explanation}})
		}
	case spf.StatusSoftfail:
		if s.needCBV(pol.ForResult(spf.StatusSoftfail), q, res, "softfail") {
			s.log.Warn("reject: spf softfail", "txt", res.Explanation)
			return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
				Lines: []string{
					"SPF softfail: If you get this Delivery Status Notice, your email",
					"was probably legitimate.  Your administrator has published SPF",
					"records in a testing mode.  The SPF record reported your email as",
					"a forgery, which is a mistake if you are reading this.  Please",
					"notify your administrator of the problem immediately.",
				}})
		}
	case spf.StatusNeutral:
		if s.needCBV(pol.ForResult(spf.StatusNeutral), q, res, "neutral") {
			s.log.Warn("reject: spf neutral", "sender", q.Sender())
			o := q.Domain()
			return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
				Lines: []string{
					fmt.Sprintf("mail from %s must pass SPF: http://openspf.net/why.html", o),
					fmt.Sprintf("The %s domain is one that spammers love to forge.  Due to", o),
					"the volume of forged mail, we can only accept mail that",
					fmt.Sprintf("the SPF record for %s explicitly designates as legitimate.", o),
					"Sending your email through the recommended outgoing SMTP",
					fmt.Sprintf("servers for %s should accomplish this.", o),
				}})
		}
	case spf.StatusPass:
		if s.needCBV(pol.ForResult(spf.StatusPass), q, res, "pass") {
			s.log.Warn("reject: sender unwanted", "sender", q.Sender())
			o := q.Domain()
			return reject(
				fmt.Sprintf("We don't accept mail from %s", o),
				fmt.Sprintf("Your email from %s comes from an authorized server, however", o),
				fmt.Sprintf("we still don't want it - we just don't like %s.", o))
		}
	case spf.StatusPermerror:
		if s.needCBV(pol.ForResult(spf.StatusPermerror), q, res, "permerror") {
			s.log.Warn("reject: spf permerror", "txt", res.Explanation)
			return s.delayReject(&Reply{Code: strconv.Itoa(res.Code), XCode: "5.5.2",
				Lines: []string{res.Explanation,
					fmt.Sprintf("There is a fatal syntax error in the SPF record for %s", q.Domain()),
					fmt.Sprintf("We cannot accept mail from %s until this is corrected.", q.Domain()),
				}})
		}
	}

	var kv []spf.Modifier
	if hres != "" && q.HelloDomain() != q.Domain() {
		kv = append(kv, spf.Modifier{Key: "helo_spf", Value: string(hres)})
	}
	if res.Status != actual.Status {
		kv = append(kv, spf.Modifier{Key: "bestguess", Value: string(res.Status)})
	}
	m.muts.addHeader("Received-SPF", q.Received(actual, kv...).Value(), 0)
	m.spfGuess = res.Status
	m.spfHelo = hres
	return respContinue
}

// needCBV applies a policy decision, scheduling a callback where the
// decision asks for one. It reports whether the caller should reject.
func (s *Session) needCBV(policy access.Decision, q *spf.Query, res spf.Result, tname string) bool {
	m := s.msg
	m.policy = policy
	switch policy {
	case access.CBV:
		if m.mailFrom != "<>" && m.cbv == nil {
			m.cbv = &cbvRequest{q: q, res: res}
		}
	case access.DSN:
		if m.mailFrom != "<>" && m.cbv == nil {
			m.cbv = &cbvRequest{q: q, res: res, template: tname}
		}
	case access.Whitelist:
		m.whitelist = true
	case access.OK:
	default:
		if policy == access.Ban {
			s.offend(3, 0)
		} else if s.offense.Count() > 0 {
			// Multiple forged domains on one connection are extra evil.
			s.offend(1, 0)
		}
		return true
	}
	return false
}
