package filter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/sdgathman/bmsmilter/probe"
)

// BodyChunk appends a body chunk to the spool.
func (s *Session) BodyChunk(chunk []byte) Response {
	m := s.msg
	if m == nil || m.spool == nil {
		return respContinue
	}
	max := s.f.Config.Scan.MaxSize
	if max == 0 {
		max = 10 << 20
	}
	if m.bodySize < max {
		if _, err := m.spool.Write(chunk); err != nil {
			m.ioerr = err
		}
	}
	m.bodySize += int64(len(chunk))
	return respContinue
}

// EndOfMessage finishes the transaction. The returned mutations are
// applied by the caller when the verdict accepts the message.
func (s *Session) EndOfMessage(ctx context.Context) (resp Response, muts *Mutations) {
	defer func() {
		if r := recover(); r != nil {
			var name string
			if s.msg != nil {
				name = s.saveSpool(".fail")
			}
			s.log.Error("panic scanning message", "panic", r, "saved", name)
			if s.internal {
				resp, muts = respAccept, nil
				return
			}
			resp, muts = tempfail("451", "4.3.0",
				"Temporary local error processing message"), nil
		}
	}()
	return s.endOfMessage(ctx)
}

func (s *Session) endOfMessage(ctx context.Context) (Response, *Mutations) {
	m := s.msg
	if m == nil {
		return respAccept, nil
	}
	if m.ioerr != nil {
		name := s.saveSpool(".ioerr")
		s.log.Error("spool write failed", "err", m.ioerr, "saved", name)
		return tempfail("451", "4.3.0", "Temporary failure buffering message"), nil
	}
	if m.spool == nil {
		// No message collected, nothing to do.
		return respAccept, nil
	}

	if m.isBounce && len(m.recipients) > 1 {
		s.log.Warn("reject: dsn to multiple recipients")
		return reject("DSN to multiple recipients"), nil
	}

	// A bounce-looking reply to postmaster carrying one of our signed
	// Message-IDs is a delayed failure of a callback probe. Blacklist
	// the original sender; delayed DSNs are expensive.
	if m.delayedFailure != "" && s.f.Rewriter != nil {
		m.spool.Seek(0, 0)
		if sender, ok := findSRS(m.spool, s.f.Rewriter); ok {
			if s.f.CBVCache != nil {
				s.f.CBVCache.Set(sender, fmt.Sprintf("550,%s", m.delayedFailure))
			}
			if s.f.Blacklist != nil {
				s.f.Blacklist.Set(sender, "")
			}
			name := s.saveSpool(".dsn")
			s.log.Warn("blacklist: delayed bounce", "sender", sender, "saved", name)
			s.msg = nil
			return respDiscard, nil
		}
	}

	s.checkDKIM()

	if s.f.Classifier != nil && !s.internal {
		if rc := s.classify(); rc.Verdict != Continue {
			s.gossipFeedback(ctx, true)
			s.dropSpool()
			return rc, nil
		}
	}

	// Whitelisted senders clearly do not need verification, and
	// internal domains would only report our own fraudulent MX.
	if m.cbv != nil && !m.internalDomain {
		rc := s.runCBV(ctx)
		if rc.Verdict == Reject {
			// Verification costs more than rejecting before DATA, so
			// the reputation service hears about it.
			s.gossipFeedback(ctx, true)
			s.dropSpool()
			return rc, nil
		}
		if rc.Verdict != Continue {
			s.dropSpool()
			return rc, nil
		}
	}

	if m.whitelistSender {
		s.whitelistRecipients()
	}

	if m.scan {
		s.gossipFeedback(ctx, false)
	}

	s.dropSpool()
	s.log.Info("eom")
	muts := m.muts
	return respAccept, &muts
}

// classify scores the spooled message headers.
func (s *Session) classify() Response {
	m := s.msg
	cfg := s.f.Config
	m.spool.Seek(0, 0)
	score, err := s.f.Classifier.Score(m.spool)
	if err != nil {
		s.log.Warn("classifier failed", "err", err)
		return respContinue
	}
	m.muts.addHeader("X-Spam-HeaderScore", fmt.Sprintf("%f", score), -1)
	if cfg.Scan.RejectScore > 0 && score > cfg.Scan.RejectScore &&
		m.scan && !m.whitelist {
		s.log.Warn("reject: classifier score", "score", score)
		return reject("Your Message looks spammy")
	}
	return respContinue
}

// runCBV executes the scheduled callback verification.
func (s *Session) runCBV(ctx context.Context) Response {
	m := s.msg
	req := m.cbv
	m.cbv = nil
	if s.f.Prober == nil {
		return respContinue
	}
	cfg := s.f.Config

	// A DSN-style probe is only worthwhile when the sender asked to
	// hear about delays.
	tname := req.template
	if tname != "" && !slices.Contains(m.notify, "DELAY") {
		tname = ""
	}
	sender := req.q.Sender()
	if strings.HasPrefix(tname, "helo") {
		sender = "postmaster@" + req.q.HelloDomain()
	}

	var msg []byte
	if tname != "" && cfg.CBV.Templates != "" {
		if tmpl, err := os.ReadFile(filepath.Join(cfg.CBV.Templates, tname+".txt")); err == nil {
			body, err := probe.BuildDSN(string(tmpl), probe.DSNInfo{
				Sender:     sender,
				Receiver:   s.receiver,
				ClientIP:   s.connectIP,
				Helo:       s.heloName,
				Recipients: m.recipients,
				Subject:    req.res.Explanation,
			}, s.f.Rewriter)
			if err != nil {
				s.log.Warn("dsn template failed", "template", tname, "err", err)
			} else {
				msg = body
				s.log.Info("cbv", "sender", sender, "template", tname)
			}
		}
	}
	if msg == nil {
		s.log.Info("cbv", "sender", sender, "mode", "plain", "status", req.res.Status)
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.CBVTimeout())
	defer cancel()
	out, err := s.f.Prober.Probe(pctx, sender, msg)
	if err != nil {
		s.f.metrics().CallbackCompleted("unreachable")
		s.log.Warn("tempfail: callback unreachable", "sender", sender, "err", err)
		return tempfail("450", "4.2.0", "Callback verification temporarily unavailable")
	}
	if out != nil {
		s.f.metrics().CallbackCompleted("refused")
		desc := fmt.Sprintf("CBV: %d %s", out.Code, out.Message)
		s.log.Warn("reject: callback refused", "sender", sender, "outcome", desc)
		return rejectCode("550", "5.7.1", desc)
	}
	s.f.metrics().CallbackCompleted("accepted")
	return respContinue
}

// whitelistRecipients records the message's recipients as known
// correspondents. Internal recipients don't need it.
func (s *Session) whitelistRecipients() []string {
	if s.f.AutoWhitelist == nil {
		return nil
	}
	patterns := s.f.Config.Milter.InternalDomains
	var listed []string
	for _, rcpt := range s.msg.recipients {
		_, domain := splitAddress(rcpt)
		internal := false
		for _, pat := range patterns {
			if ok, _ := path.Match(pat, domain); ok {
				internal = true
				break
			}
		}
		if internal {
			continue
		}
		s.f.AutoWhitelist.Set(rcpt, "")
		listed = append(listed, rcpt)
		s.log.Info("auto-whitelist", "rcpt", rcpt)
	}
	return listed
}

// checkDKIM verifies DKIM signatures for the log. Verdicts never
// depend on it; header decoding may have altered the signed bytes.
func (s *Session) checkDKIM() {
	m := s.msg
	if !m.hasDKIM || m.spool == nil {
		return
	}
	m.spool.Seek(0, 0)
	verifs, err := dkim.Verify(bufio.NewReader(m.spool))
	if err != nil {
		s.log.Info("dkim verify failed", "err", err)
		return
	}
	for _, v := range verifs {
		if v.Err != nil {
			s.log.Info("dkim", "domain", v.Domain, "result", "fail", "err", v.Err)
		} else {
			s.log.Info("dkim", "domain", v.Domain, "result", "pass")
		}
	}
}

// saveSpool preserves the spooled message under a new suffix for
// postmortem inspection and returns the path.
func (s *Session) saveSpool(suffix string) string {
	m := s.msg
	if m.spool == nil {
		return ""
	}
	m.spool.Close()
	m.spool = nil
	name := strings.TrimSuffix(m.spoolName, ".msg") + suffix
	if err := os.Rename(m.spoolName, name); err != nil {
		name = m.spoolName
	}
	m.spoolName = ""
	return name
}
