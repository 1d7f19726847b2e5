package filter

// Verdict is the milter answer for one callback phase.
type Verdict int

const (
	Continue Verdict = iota
	Accept
	Reject
	TempFail
	Discard
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case TempFail:
		return "tempfail"
	case Discard:
		return "discard"
	}
	return "unknown"
}

// Reply is the SMTP response sent with a Reject or TempFail verdict.
// A nil Reply leaves the MTA's default response in place.
type Reply struct {
	Code  string
	XCode string
	Lines []string
}

// Response is a verdict with its optional SMTP reply.
type Response struct {
	Verdict Verdict
	Reply   *Reply
}

var (
	respContinue = Response{Verdict: Continue}
	respAccept   = Response{Verdict: Accept}
	respDiscard  = Response{Verdict: Discard}
)

func reject(lines ...string) Response {
	return Response{Verdict: Reject, Reply: &Reply{Code: "550", XCode: "5.7.1", Lines: lines}}
}

func rejectCode(code, xcode string, lines ...string) Response {
	return Response{Verdict: Reject, Reply: &Reply{Code: code, XCode: xcode, Lines: lines}}
}

func tempfail(code, xcode string, lines ...string) Response {
	return Response{Verdict: TempFail, Reply: &Reply{Code: code, XCode: xcode, Lines: lines}}
}

// HeaderMod is an accumulated header addition. Index -1 appends;
// 0 inserts at the top.
type HeaderMod struct {
	Name  string
	Value string
	Index int
}

// Mutations are the message modifications accumulated during a
// transaction, applied by the caller at end of message.
type Mutations struct {
	Headers []HeaderMod
	AddRcpt []string
	DelRcpt []string
}

func (m *Mutations) addHeader(name, value string, idx int) {
	m.Headers = append(m.Headers, HeaderMod{Name: name, Value: value, Index: idx})
}

func (m *Mutations) addRecipient(rcpt string) {
	for _, r := range m.AddRcpt {
		if r == rcpt {
			return
		}
	}
	m.AddRcpt = append(m.AddRcpt, rcpt)
}

func (m *Mutations) delRecipient(rcpt string) {
	for _, r := range m.DelRcpt {
		if r == rcpt {
			return
		}
	}
	m.DelRcpt = append(m.DelRcpt, rcpt)
}
