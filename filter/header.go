package filter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"os"
	"regexp"
	"strings"

	"github.com/sdgathman/bmsmilter/srs"
)

// failDSN recognizes bounce subjects, so replies to our own probes can
// be traced back to the sender encoded in the Message-ID.
var failDSN = regexp.MustCompile(`(?i)^failure notice|^subjectbounce|^returned mail|^undeliver|\bdelivery\b.*\bfail|\bdelivery problem|\bnot\s+be\s+delivered|\buser unknown\b|^failed|^mail failed|^echec de distribution|\berror\s+sending\b|^fallo en la entrega|\bfehlgeschlagen\b`)

// autoReply recognizes robot mail whose recipients must not be
// whitelisted. A false positive only delays whitelisting.
var autoReply = regexp.MustCompile(`(?i)^read:|\bautoreply:\b|^return receipt|^Your message\b.*\bawaits moderator approval`)

var wordDecoder = &mime.WordDecoder{}

// Header handles one message header.
func (s *Session) Header(ctx context.Context, name, rawVal string) Response {
	if rc := s.data(); rc.Verdict != Continue {
		return rc
	}
	m := s.msg
	if m == nil {
		return respContinue
	}

	// Decode encoded words to unobfuscate before matching.
	val := rawVal
	if dec, err := wordDecoder.DecodeHeader(rawVal); err == nil {
		val = dec
	}
	lname := strings.ToLower(name)

	if !s.internal && !m.blacklist && !m.whitelist {
		if rc := s.checkHeader(name, lname, val); rc.Verdict != Continue {
			s.gossipFeedback(ctx, true)
			return rc
		}
	} else if m.whitelistSender {
		if lname == "subject" && autoReply.MatchString(val) ||
			lname == "user-agent" && strings.HasPrefix(strings.ToLower(val), "vacation") {
			m.whitelistSender = false
			s.log.Info("autoreply: recipients not whitelisted")
		}
	}

	switch lname {
	case "subject", "x-mailer":
		s.log.Info("header", "name", name, "value", val)
	case "dkim-signature":
		m.hasDKIM = true
	}

	fmt.Fprintf(&m.headers, "%s: %s\n", name, val)
	return respContinue
}

// checkHeader applies the spam heuristics to one decoded header.
func (s *Session) checkHeader(name, lname, val string) Response {
	m := s.msg
	cfg := s.f.Config

	switch lname {
	case "subject":
		for _, w := range cfg.Scan.SpamWords {
			if strings.Contains(val, w) {
				s.log.Warn("reject: subject keyword", "subject", val)
				return reject("That subject is not allowed")
			}
		}
		if cfg.Scan.BlockChinese && !latin1Readable(val) {
			s.log.Warn("reject: unreadable charset", "subject", val)
			return reject("We don't understand that charset")
		}
		lval := strings.ToLower(strings.TrimSpace(val))
		for _, adv := range []string{"adv:", "adv.", "adv ",
			"<adv>", "<ad>", "[adv]", "(adv)", "advt:", "advert:", "[spam]"} {
			if strings.HasPrefix(lval, adv) {
				s.log.Warn("reject: adv tag", "subject", val)
				return reject("No soliciting allowed")
			}
		}
		for _, adv := range []string{"adv", "(adv)", "[adv]", "(non-spam)"} {
			if strings.HasSuffix(lval, adv) {
				s.log.Warn("reject: adv tag", "subject", val)
				return reject("No soliciting allowed")
			}
		}
		for _, w := range cfg.Scan.PornWords {
			if strings.Contains(lval, w) {
				s.log.Warn("reject: subject keyword", "subject", val)
				return reject("That subject is not allowed")
			}
		}
		if !m.forward &&
			(strings.HasPrefix(lval, "fwd:") || strings.HasPrefix(lval, "[fw")) {
			s.log.Warn("reject: blocked forward", "subject", val)
			return reject("I find unedited forwards annoying")
		}
		if m.postmasterReply && s.f.Rewriter != nil && failDSN.MatchString(lval) {
			// If confirmed by our signed Message-ID at end of message,
			// the original recipient gets blacklisted.
			m.delayedFailure = strings.TrimSpace(val)
		}

	case "from":
		if !m.scan {
			break
		}
		var display, email string
		if a, err := mail.ParseAddress(val); err == nil {
			display, email = a.Name, a.Address
		} else {
			display = val
		}
		for _, w := range cfg.Scan.SpamWords {
			if strings.Contains(display, w) {
				s.log.Warn("reject: from keyword", "from", val)
				return s.banDomainReply(0, "No soliciting")
			}
		}
		for _, w := range cfg.Scan.FromWords {
			if strings.Contains(display, w) {
				s.log.Warn("reject: from keyword", "from", val)
				return s.banDomainReply(0, "No soliciting")
			}
		}
		ldisplay := strings.ToLower(strings.TrimSpace(display))
		for _, w := range cfg.Scan.PornWords {
			if strings.Contains(ldisplay, w) {
				s.log.Warn("reject: from keyword", "from", val)
				return s.banDomainReply(0, "Watch your language")
			}
		}
		if strings.HasPrefix(strings.ToLower(email), "postmaster@") {
			// An MTA that cannot send a proper DSN; a heuristic only,
			// the From header may come too late to matter.
			m.isBounce = true
		}

	case "message-id":
		if len(val) < 4 {
			s.log.Warn("reject: invalid message-id", "value", val)
			return Response{Verdict: Reject}
		}

	case "x-mailer":
		mailer := strings.ToLower(val)
		if mailer == "direct email" || mailer == "calypso" ||
			mailer == "mail bomber" || strings.Contains(mailer, "optin") {
			s.log.Warn("reject: bulk mailer", "mailer", val)
			return Response{Verdict: Reject}
		}
	}
	return respContinue
}

func (s *Session) banDomainReply(wild int, line string) Response {
	rc := s.banDomain(wild)
	rc.Reply = &Reply{Code: "550", XCode: "5.7.1", Lines: []string{line}}
	return rc
}

// EndOfHeaders spools the buffered headers to the temp file where the
// body follows.
func (s *Session) EndOfHeaders() Response {
	m := s.msg
	if m == nil {
		return tempfail("451", "4.3.0", "No message state")
	}
	if rc := s.data(); rc.Verdict != Continue {
		return rc
	}

	if !s.internal && m.delayedFailure == "" {
		// A proper DSN declares itself in Content-Type.
		if ct := headerValue(m.headers.String(), "content-type"); ct != "" &&
			strings.Contains(strings.ToLower(ct), "report-type=delivery-status") {
			m.isBounce = true
			m.delayedFailure = headerValue(m.headers.String(), "subject")
			if m.delayedFailure == "" {
				m.delayedFailure = "DSN"
			}
		}
	}

	if s.f.Config.Milter.SupplySender && !s.internal && m.mailFrom != "<>" {
		s.supplySender()
	}

	f, err := os.CreateTemp(s.f.Config.Milter.TempDir, "bmsmilter-*.msg")
	if err != nil {
		s.log.Error("spool create failed", "err", err)
		return tempfail("451", "4.3.0", "Cannot buffer message")
	}
	m.spool = f
	m.spoolName = f.Name()
	if _, err := f.Write(m.headers.Bytes()); err == nil {
		_, err = io.WriteString(f, "\n")
	}
	if err != nil {
		m.ioerr = err
	}
	return respContinue
}

// supplySender adds a Sender header with the envelope sender when no
// author header matches its domain, so replies reach somebody real.
func (s *Session) supplySender() {
	m := s.msg
	_, mfDomain := splitAddress(m.canonFrom)
	if mfDomain == "" {
		return
	}
	hdrs := m.headers.String()
	sender := headerValue(hdrs, "sender")
	for _, v := range []string{headerValue(hdrs, "from"), sender} {
		if v == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(v)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			_, hd := splitAddress(strings.ToLower(a.Address))
			if hd == mfDomain || strings.HasSuffix(mfDomain, "."+hd) {
				return
			}
		}
	}
	if sender == "" {
		s.log.Info("supplying envelope sender as Sender")
		m.muts.addHeader("Sender", m.mailFrom, -1)
	}
}

// headerValue extracts the first value of name from a flat header
// block. Good enough for the two headers we look at.
func headerValue(headers, name string) string {
	for _, ln := range strings.Split(headers, "\n") {
		if k, v, ok := strings.Cut(ln, ":"); ok && strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// latin1Readable reports whether v renders mostly within Latin-1.
func latin1Readable(v string) bool {
	outside := 0
	for _, r := range v {
		if r > 0xff {
			outside++
		}
	}
	return outside < 3
}

// findSRS scans a bounced message for one of our signed addresses. MTAs
// that reply to probes instead of refusing them preserve the signed
// Message-ID (or X-Mailer, Sender, References) of the probe.
func findSRS(r io.Reader, rw *srs.Rewriter) (string, bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	inField := false
	for sc.Scan() {
		ln := sc.Text()
		cont := len(ln) > 0 && (ln[0] == ' ' || ln[0] == '\t')
		if !cont {
			inField = false
			lnl := strings.ToLower(ln)
			if strings.HasPrefix(lnl, "action:") {
				// A DSN reporting anything but failure is not a bounce
				// of our probe.
				f := strings.Fields(lnl)
				if len(f) > 0 && f[len(f)-1] != "failed" {
					break
				}
			}
			for _, k := range []string{"message-id:", "x-mailer:", "sender:", "references:"} {
				if strings.HasPrefix(lnl, k) {
					inField = true
					break
				}
			}
		}
		if !inField {
			continue
		}
		if pos := strings.Index(ln, "<SRS"); pos >= 0 {
			if end := strings.Index(ln[pos:], ">"); end > 0 {
				if orig, err := rw.Reverse(ln[pos+1 : pos+end]); err == nil {
					return orig, true
				}
			}
		}
	}
	return "", false
}
