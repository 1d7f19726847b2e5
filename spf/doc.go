// Package spf implements Sender Policy Framework evaluation for an
// IPv4-only mail filter.
//
// SPF allows domain owners to publish a policy as a DNS TXT record
// describing which IP addresses are authorized to send email with the
// domain in the MAIL FROM command. This implementation keeps the
// pragmatic, pre-RFC-7208 behaviors that production filtering depends on:
// loopback clients always pass, a legacy default= modifier, Microsoft
// caller-ID records translated as a fallback policy source, and a
// best-guess policy for domains that publish nothing.
//
// Every evaluation owns a private memoizing DNS cache with a lookup
// budget of 100 and an include/redirect recursion bound of 20; exceeding
// either yields a bounded permanent-error result, never a hang.
//
// Basic usage:
//
//	q := spf.NewQuery(resolver, spf.Args{
//	    RemoteIP:    net.ParseIP("192.0.2.1"),
//	    Sender:      "user@example.com",
//	    HelloDomain: "mail.example.com",
//	    Receiver:    "mx.example.org",
//	})
//	res := q.Check(ctx)
//	if res.Status == spf.StatusNone {
//	    res = q.BestGuess(ctx, "")
//	}
//
// References:
//   - RFC 7208: Sender Policy Framework (SPF)
//   - RFC 4408: Sender Policy Framework (obsoleted by 7208)
package spf
