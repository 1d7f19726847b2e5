package spf

import (
	"fmt"
	"strings"
)

// Received is the material for a Received-SPF header. Extension key-value
// pairs carry supplementary results (best-guess outcome, HELO identity
// result) that the main status field cannot express.
type Received struct {
	Result       Status
	Receiver     string
	Comment      string
	ClientIP     string
	EnvelopeFrom string
	Helo         string
	KV           []Modifier
}

// Received builds the header material for a finished evaluation.
func (q *Query) Received(res Result, kv ...Modifier) Received {
	return Received{
		Result:       res.Status,
		Receiver:     q.args.Receiver,
		Comment:      q.headerComment(res.Status),
		ClientIP:     q.ip,
		EnvelopeFrom: q.Sender(),
		Helo:         q.args.HelloDomain,
		KV:           kv,
	}
}

// Value renders the header value (without the "Received-SPF:" name).
// Identity details are included only for results where they carry
// information about the checked mailbox.
func (r Received) Value() string {
	var b strings.Builder
	b.WriteString(string(r.Result))
	fmt.Fprintf(&b, " (%s: %s)", r.Receiver, r.Comment)

	switch r.Result {
	case StatusPass, StatusFail, StatusSoftfail, StatusNeutral:
		fmt.Fprintf(&b, " client-ip=%s; envelope-from=%s; helo=%s;",
			r.ClientIP, r.EnvelopeFrom, r.Helo)
	}

	for _, kv := range r.KV {
		fmt.Fprintf(&b, " %s=%s;", kv.Key, kv.Value)
	}
	return b.String()
}

// headerComment describes the result for the Received-SPF comment.
func (q *Query) headerComment(res Status) string {
	sender := q.senderDomain
	switch res {
	case StatusPass:
		if q.loopback() {
			return "localhost is always allowed."
		}
		return fmt.Sprintf("domain of %s designates %s as permitted sender", sender, q.ip)
	case StatusSoftfail:
		return fmt.Sprintf("transitioning domain of %s does not designate %s as permitted sender", sender, q.ip)
	case StatusNeutral, StatusNone:
		return fmt.Sprintf("%s is neither permitted nor denied by domain of %s", q.ip, sender)
	case StatusPermerror:
		return fmt.Sprintf("error in processing during lookup of domain of %s: %s", sender, q.problem)
	case StatusTemperror:
		return fmt.Sprintf("error in processing during lookup of %s", sender)
	case StatusFail:
		return fmt.Sprintf("domain of %s does not designate %s as permitted sender", sender, q.ip)
	}
	return string(res)
}
