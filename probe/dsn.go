package probe

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/sdgathman/bmsmilter/srs"
)

// DSNInfo carries the substitution fields available to a probe message
// template.
type DSNInfo struct {
	// Sender is the envelope sender being verified; the DSN goes to it.
	Sender string

	// Receiver is this deployment's hostname.
	Receiver string

	// ClientIP and Helo describe the connection that triggered the
	// probe.
	ClientIP string
	Helo     string

	// Recipients lists the addresses the suspect message was sent to.
	Recipients []string

	// Subject of the suspect message, when known.
	Subject string
}

// BuildDSN renders a bounce-style probe message: headers, then the body
// produced by executing tmpl against info. When signer is set, the
// Message-ID, Sender and X-Mailer headers carry a forwarding-signed
// copy of the probed address, so that a reply to the DSN identifies
// the sender that caused it even when the envelope is mangled.
func BuildDSN(tmpl string, info DSNInfo, signer *srs.Rewriter) ([]byte, error) {
	t, err := template.New("dsn").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("probe: parse template: %w", err)
	}
	var body bytes.Buffer
	if err := t.Execute(&body, info); err != nil {
		return nil, fmt.Errorf("probe: execute template: %w", err)
	}

	var b bytes.Buffer
	write := func(name, val string) {
		fmt.Fprintf(&b, "%s: %s\r\n", name, val)
	}

	write("From", "postmaster@"+info.Receiver)
	write("To", info.Sender)
	write("Subject", "Delivery Status Notification")
	write("Date", time.Now().UTC().Format(time.RFC1123Z))
	write("Auto-Submitted", "auto-replied")
	write("MIME-Version", "1.0")
	write("Content-Type", "text/plain; charset=us-ascii")

	if signer != nil {
		tagged, err := signer.Forward(info.Sender, info.Receiver)
		if err != nil {
			return nil, fmt.Errorf("probe: sign message-id: %w", err)
		}
		write("Message-Id", "<"+tagged+">")
		write("Sender", fmt.Sprintf("%q <%s>", "Mail Filter", tagged))
		write("X-Mailer", fmt.Sprintf("%q <%s>", "Mail Filter", tagged))
	}

	b.WriteString("\r\n")
	for _, line := range strings.SplitAfter(body.String(), "\n") {
		if line == "" {
			continue
		}
		b.WriteString(strings.TrimRight(line, "\r\n"))
		b.WriteString("\r\n")
	}
	return b.Bytes(), nil
}
