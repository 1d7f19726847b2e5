package filter

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/sdgathman/bmsmilter/access"
	"github.com/sdgathman/bmsmilter/ban"
	"github.com/sdgathman/bmsmilter/spf"
)

var numericHelo = regexp.MustCompile(`^\[?[0-9]{1,3}(\.[0-9]{1,3}){3}\]?$`)

// Session tracks one milter connection. Multiple messages can arrive
// on a single connection; message state is reset by MailFrom.
type Session struct {
	f   *Filter
	log *slog.Logger

	receiver    string
	connectIP   string
	remoteIP    net.IP
	connectHost string
	heloName    string
	internal    bool
	trusted     bool
	missingPTR  bool
	offense     *ban.Tracker

	// reject holds a delayed rejection, fired at DATA so whitelist
	// and authentication checks get a chance to cancel it.
	reject *Reply

	msg *message
}

// message is the per-transaction state.
type message struct {
	mailFrom  string
	canonFrom string
	eFrom     string
	origFrom  string
	authUser  string

	isBounce        bool
	internalDomain  bool
	whitelistSender bool
	whitelist       bool
	blacklist       bool
	scan            bool
	grey            bool
	forward         bool
	discard         bool
	dataAllowed     bool
	postmasterReply bool
	hasDKIM         bool
	delayedFailure  string
	notify          []string

	policy    access.Decision
	spfQ      *spf.Query
	spfResult spf.Status
	spfGuess  spf.Status
	spfHelo   spf.Status
	cbv       *cbvRequest

	umis       string
	reputation int
	confidence int
	fromDomain string
	fromQual   string

	recipients []string
	muts       Mutations

	headers   bytes.Buffer
	spool     *os.File
	spoolName string
	bodySize  int64
	ioerr     error
}

// cbvRequest is a callback verification scheduled for end of message.
type cbvRequest struct {
	q        *spf.Query
	res      spf.Result
	template string
}

// Connect handles the connection callback. hostname is the client's
// PTR name as reported by the MTA.
func (s *Session) Connect(hostname string, ip net.IP, macros Macros) Response {
	cfg := s.f.Config
	s.receiver = strings.TrimSpace(macros.Get("j"))
	s.connectHost = hostname
	if ip != nil {
		s.remoteIP = ip
		s.connectIP = ip.String()
	}
	s.internal = inNets(cfg.InternalNets(), ip)
	s.trusted = inNets(cfg.TrustedNets(), ip)
	s.missingPTR = dynamicPTR(hostname, s.connectIP)
	s.offense = &ban.Tracker{
		IPs:     s.f.BannedIPs,
		IP:      s.connectIP,
		Ceiling: cfg.Milter.MaxDemerits,
		Trusted: s.trusted,
		Logger:  s.log,
	}

	s.log = s.f.logger().With("ip", s.connectIP)
	s.log.Info("connect",
		"host", hostname,
		"internal", s.internal,
		"trusted", s.trusted,
		"dynamic", s.missingPTR)

	if s.f.BannedIPs != nil && s.f.BannedIPs.Contains(s.connectIP) {
		s.log.Warn("reject: banned ip")
		return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
			Lines: []string{"Banned for dictionary attacks"}})
	}
	if hostname == "localhost" && !strings.HasPrefix(s.connectIP, "127.") ||
		hostname == "." {
		s.log.Warn("reject: bogus ptr", "ptr", hostname)
		return s.delayReject(&Reply{Code: "550", XCode: "5.7.1",
			Lines: []string{fmt.Sprintf("%q is not a reasonable PTR name", hostname)}})
	}
	return respContinue
}

// Helo handles the HELO/EHLO callback.
func (s *Session) Helo(name string) Response {
	s.heloName = name
	s.log.Info("helo", "name", name)
	if !s.internal {
		// Broken firmware on email-enabled appliances sends illegal
		// HELO from inside; only enforce for external clients.
		if numericHelo.MatchString(name) {
			s.log.Warn("reject: numeric helo")
			return reject("hello name cannot be numeric ip")
		}
		for _, h := range s.f.Config.Milter.HelloBlacklist {
			if strings.EqualFold(name, h) {
				s.log.Warn("reject: helo is our own name", "helo", name)
				s.offend(4, 0)
				return reject(fmt.Sprintf("Your mail server lies.  Its name is *not* %s.", name))
			}
		}
	}
	// HELO is not allowed after MAIL FROM.
	if s.msg != nil && s.msg.mailFrom != "" {
		s.offend(2, 0)
		return reject("HELO after MAIL FROM")
	}
	return respContinue
}

// delayReject stores the rejection and lets the transaction continue
// to DATA, where data fires it unless something canceled it.
func (s *Session) delayReject(r *Reply) Response {
	s.reject = r
	return respContinue
}

// data fires a pending delayed rejection. Called on the first header
// and at end of headers.
func (s *Session) data() Response {
	if s.reject != nil {
		s.log.Info("delayed reject")
		r := s.reject
		return Response{Verdict: Reject, Reply: r}
	}
	if s.msg != nil && !s.msg.dataAllowed {
		return s.forgedBounce("-")
	}
	return respContinue
}

func (s *Session) offend(inc, floor int) {
	before := s.offense.Count()
	s.offense.Offend(inc, floor)
	if before <= s.offense.Ceiling && s.offense.Count() > s.offense.Ceiling {
		s.f.metrics().IPBanned()
	}
}

// forgedBounce rejects bounces that fail signature verification.
func (s *Session) forgedBounce(rcpt string) Response {
	if s.msg.mailFrom != "<>" {
		s.log.Warn("reject: bogus dsn", "rcpt", rcpt)
		return reject(
			fmt.Sprintf("I do not accept normal mail from %s.", strings.SplitN(s.msg.mailFrom, "@", 2)[0]),
			"All such mail has turned out to be Delivery Status Notifications",
			"which failed to be marked as such.  Please send a real DSN if",
			"you need to.  Use another MAIL FROM if you need to send me mail.",
		)
	}
	s.log.Warn("reject: bounce without signed recipient", "rcpt", rcpt)
	return reject(
		"I did not send you that message. Please consider implementing SPF",
		"(http://openspf.net) to avoid bouncing mail to spoofed senders.",
		"Thank you.",
	)
}

// banDomain adds the validated sender domain to the banned set and
// rejects. Only domains with a credible identity are banned, so a
// forger cannot ban somebody else's domain.
func (s *Session) banDomain(wild int) Response {
	m := s.msg
	if m.spfQ != nil && m.spfGuess == spf.StatusPass && m.confidence == 0 {
		domain := m.spfQ.Domain()
		if s.f.BannedDomains != nil && !s.f.BannedDomains.ContainsDomain(domain) {
			banned := ban.Generalize(domain, wild)
			if s.f.BannedDomains.Add(banned) {
				s.log.Warn("ban domain", "domain", domain, "banned", banned)
				s.f.metrics().DomainBanned()
			}
		}
	}
	return Response{Verdict: Reject}
}

// Abort handles an aborted transaction. Recipients of a whitelisted
// sender relayed through a trusted host still get whitelisted; the
// relay accepted the message even though this hop did not finish.
func (s *Session) Abort() Response {
	if s.msg != nil {
		if s.msg.whitelistSender && len(s.msg.recipients) > 0 && s.trusted {
			s.whitelistRecipients()
		} else {
			s.log.Info("abort", "body_bytes", s.msg.bodySize)
		}
		s.dropSpool()
		s.msg = nil
	}
	return respContinue
}

// Close releases connection resources.
func (s *Session) Close() Response {
	if s.msg != nil {
		s.dropSpool()
		s.msg = nil
	}
	s.f.metrics().ConnectionClosed()
	return respContinue
}

func (s *Session) dropSpool() {
	if s.msg.spool != nil {
		s.msg.spool.Close()
		s.msg.spool = nil
	}
	if s.msg.spoolName != "" {
		os.Remove(s.msg.spoolName)
		s.msg.spoolName = ""
	}
}

func inNets(nets []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// dynamicPTR guesses whether the PTR name was generated from the
// address, which marks consumer dynamic pools. A missing PTR counts.
func dynamicPTR(hostname, ip string) bool {
	if hostname == "" || hostname == "["+ip+"]" || hostname == "unknown" {
		return true
	}
	if ip == "" {
		return false
	}
	// All four octets embedded in the name, in either order.
	octets := strings.Split(ip, ".")
	if len(octets) != 4 {
		return false
	}
	host := strings.ToLower(hostname)
	found := 0
	for _, o := range octets {
		if containsOctet(host, o) {
			found++
		}
	}
	return found == 4
}

// containsOctet reports whether the decimal octet appears in host
// bounded by non-digits.
func containsOctet(host, octet string) bool {
	for i := 0; ; {
		j := strings.Index(host[i:], octet)
		if j < 0 {
			return false
		}
		j += i
		end := j + len(octet)
		leftOK := j == 0 || !isDigit(host[j-1])
		rightOK := end == len(host) || !isDigit(host[end])
		if leftOK && rightOK {
			return true
		}
		i = j + 1
		if i >= len(host) {
			return false
		}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
