package spf

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/sdgathman/bmsmilter/dns"
)

// Caller-ID is the Microsoft predecessor of SPF: an XML policy published
// as a TXT record at _ep.<domain>. When a domain publishes no SPF record,
// a caller-ID record is translated into equivalent policy text so the
// rest of the evaluator never knows the difference.
//
// The translation is approximate. The <a> and <r> tags become ip4/ip6
// mechanisms, <mx/> becomes mx, and <indirect> becomes either the target's
// own translated caller-ID policy or an mx:<target> mechanism when the
// target publishes none. A testing="true" document yields "?all".

// maximum <indirect> nesting when translating caller-ID records
const callerIDDepthMax = 5

// callerID fetches and translates the caller-ID record for domain.
// Returns empty text when no record is published.
func (q *Query) callerID(ctx context.Context, domain string, depth int) (string, error) {
	mechs, hasServers, action, found, err := q.callerIDMechs(ctx, domain, depth)
	if err != nil || !found {
		return "", err
	}

	terms := []string{"v=spf1"}
	if hasServers {
		terms = append(terms, mechs...)
	}
	terms = append(terms, action)
	return strings.Join(terms, " "), nil
}

// callerIDMechs parses _ep.<domain> into mechanism terms.
func (q *Query) callerIDMechs(ctx context.Context, domain string, depth int) (mechs []string, hasServers bool, action string, found bool, err error) {
	action = "-all"
	if depth > callerIDDepthMax {
		return nil, false, action, false, nil
	}

	txts, err := q.resolver.LookupTXT(ctx, "_ep."+domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, false, action, false, nil
		}
		return nil, false, action, false, err
	}
	if len(txts) == 0 {
		return nil, false, action, false, nil
	}

	first := strings.ToLower(txts[0])
	last := strings.ToLower(txts[len(txts)-1])
	if !strings.HasPrefix(first, "<ep") || !strings.HasSuffix(last, "</ep>") {
		return nil, false, action, false, nil
	}
	doc := strings.Join(txts, "")

	sawM := false
	sawNoServers := false
	dec := xml.NewDecoder(strings.NewReader(doc))
	var tag string
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, false, action, false, &permanentError{msg: "caller-ID parse error: " + domain}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			tag = t.Name.Local
			switch tag {
			case "ep":
				for _, a := range t.Attr {
					if a.Name.Local == "testing" && a.Value == "true" {
						// Testing documents are ignored per spec;
						// the SPF equivalent is a neutral policy.
						action = "?all"
					}
				}
			case "m":
				if sawNoServers {
					return nil, false, action, false, &permanentError{msg: "caller-ID parse error: " + domain}
				}
				sawM = true
			case "noMailServers":
				if sawM {
					return nil, false, action, false, &permanentError{msg: "caller-ID parse error: " + domain}
				}
				sawNoServers = true
			case "mx":
				mechs = append(mechs, "mx")
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			switch tag {
			case "a", "r":
				mech := "ip4"
				if strings.Contains(text, ":") {
					mech = "ip6"
				}
				mechs = append(mechs, mech+":"+text)
			case "indirect":
				sub, subServers, _, subFound, err := q.callerIDMechs(ctx, text, depth+1)
				if err != nil {
					return nil, false, action, false, err
				}
				if subFound && subServers {
					mechs = append(mechs, sub...)
				} else {
					mechs = append(mechs, "mx:"+text)
				}
			}
		}
	}

	return mechs, !sawNoServers, action, true, nil
}
