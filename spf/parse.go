package spf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SPF record parsing errors.
var (
	ErrRecordSyntax = errors.New("spf: malformed SPF record")
)

// Record is a tokenized SPF policy.
//
// An example record for example.com:
//
//	v=spf1 +mx a:colo.example.com/28 -all
type Record struct {
	// Directives are evaluated in order until a match is found.
	Directives []Directive

	// Redirect is the raw "redirect=" modifier value, a macro string
	// naming another domain to check if no directives match.
	Redirect string

	// Explanation is the raw "exp=" modifier value, a macro string naming
	// a domain whose TXT record explains a fail result.
	Explanation string

	// Default is the result when no directive matches and no redirect is
	// present. Comes from the legacy "default=" modifier; empty means
	// neutral.
	Default Status

	// Other contains modifiers that are not redirect, exp or default.
	Other []Modifier
}

// String returns the record as policy text.
func (r Record) String() string {
	terms := []string{"v=spf1"}
	for _, d := range r.Directives {
		terms = append(terms, d.String())
	}
	if r.Redirect != "" {
		terms = append(terms, "redirect="+r.Redirect)
	}
	if r.Explanation != "" {
		terms = append(terms, "exp="+r.Explanation)
	}
	if r.Default != "" {
		terms = append(terms, "default="+string(r.Default))
	}
	for _, m := range r.Other {
		terms = append(terms, m.Key+"="+m.Value)
	}
	return strings.Join(terms, " ")
}

// Directive is one mechanism term: an optional qualifier, the mechanism
// name, and an optional argument and CIDR prefix length.
type Directive struct {
	// Qualifier sets the result if this directive matches.
	// "" and "+" mean pass, "-" fail, "?" neutral, "~" softfail.
	Qualifier string

	// Mechanism is the lower-cased mechanism name as written, e.g. "all",
	// "include", "a", "mx", "ptr", "ip4", "ip6", "exists". Legacy aliases
	// ("ip", "ipv4", "ipv6", "prt") are preserved and handled during
	// evaluation; unknown names abort evaluation with a permanent error.
	Mechanism string

	// Arg is the unexpanded argument (a macro string: domain spec or IP).
	// Empty means the mechanism applies to the domain under evaluation.
	Arg string

	// CIDR is the IPv4 prefix length for address comparison. Defaults
	// to 32 when the term carries no "/n" suffix.
	CIDR int
}

// String returns the directive in term form.
func (d Directive) String() string {
	var b strings.Builder
	b.WriteString(d.Qualifier)
	b.WriteString(d.Mechanism)
	if d.Arg != "" {
		b.WriteByte(':')
		b.WriteString(d.Arg)
	}
	if d.CIDR != 32 {
		fmt.Fprintf(&b, "/%d", d.CIDR)
	}
	return b.String()
}

// Modifier is a name=value term other than redirect, exp and default.
// Unknown modifiers are retained but ignored during evaluation.
type Modifier struct {
	Key   string
	Value string
}

// qualifierResults maps qualifier characters and legacy modifier values to
// result statuses.
var qualifierResults = map[string]Status{
	"+":        StatusPass,
	"-":        StatusFail,
	"?":        StatusNeutral,
	"~":        StatusSoftfail,
	"pass":     StatusPass,
	"fail":     StatusFail,
	"deny":     StatusFail,
	"softfail": StatusSoftfail,
	"neutral":  StatusNeutral,
	"unknown":  StatusPermerror,
	"none":     StatusNone,
}

// isModifier reports whether the term is a name=value modifier.
func isModifier(term string) (name, value string, ok bool) {
	i := strings.IndexByte(term, '=')
	if i <= 0 {
		return "", "", false
	}
	name = term[:i]
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return "", "", false
		}
	}
	return strings.ToLower(name), term[i+1:], true
}

// ParseRecord tokenizes SPF policy text. Returns the record, whether the
// text looks like an SPF policy at all (starts with v=spf1), and any
// syntax error.
//
// The grammar is deliberately lax: terms are whitespace-separated,
// modifiers are name=value, mechanisms are [qualifier]name[:arg][/cidr].
// Unknown mechanism names are preserved for the evaluator to reject, which
// matches how policies are diagnosed in Received-SPF headers.
func ParseRecord(s string) (r *Record, isSPF bool, err error) {
	terms := strings.Fields(s)
	if len(terms) == 0 || strings.ToLower(terms[0]) != "v=spf1" {
		return nil, false, nil
	}

	r = &Record{}
	for _, term := range terms[1:] {
		if name, value, ok := isModifier(term); ok {
			switch name {
			case "redirect":
				r.Redirect = value
			case "exp":
				r.Explanation = value
			case "default":
				// default=- is the same as default=fail
				if st, ok := qualifierResults[strings.ToLower(value)]; ok {
					r.Default = st
				}
			default:
				r.Other = append(r.Other, Modifier{name, value})
			}
			continue
		}

		d, err := parseDirective(term)
		if err != nil {
			return nil, true, err
		}
		r.Directives = append(r.Directives, d)
	}

	return r, true, nil
}

// parseDirective parses one mechanism term.
func parseDirective(term string) (Directive, error) {
	d := Directive{CIDR: 32}

	if len(term) > 0 {
		if _, ok := qualifierResults[term[:1]]; ok && !isAlpha(term[0]) {
			d.Qualifier = term[:1]
			term = term[1:]
		}
	}

	if i := strings.LastIndexByte(term, '/'); i >= 0 {
		n, err := strconv.Atoi(term[i+1:])
		if err != nil || n < 0 || n > 128 {
			return d, fmt.Errorf("%w: bad CIDR length in %q", ErrRecordSyntax, term)
		}
		d.CIDR = n
		term = term[:i]
	}

	if i := strings.IndexByte(term, ':'); i >= 0 {
		d.Arg = term[i+1:]
		term = term[:i]
	}

	if term == "" {
		return d, fmt.Errorf("%w: empty mechanism", ErrRecordSyntax)
	}
	d.Mechanism = strings.ToLower(term)
	return d, nil
}

func isAlpha(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
