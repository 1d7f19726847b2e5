// Package srs implements the SRS0 forwarding-signature scheme: a
// reversible HMAC-guarded rewriting of a sender address so that a
// forwarding host remains a valid bounce target. The filter uses it two
// ways: recovering the original sender from a signed MAIL FROM, and
// tagging probe Message-IDs so that a delayed bounce can be traced back
// to the address that caused it.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signature verification failures, distinguished so callers can branch
// on them without parsing messages.
var (
	ErrNotSigned   = errors.New("srs: address is not SRS0 signed")
	ErrBadFormat   = errors.New("srs: malformed SRS0 address")
	ErrBadHash     = errors.New("srs: invalid signature")
	ErrExpired     = errors.New("srs: signature timestamp expired")
)

// base32 alphabet of the two-character SRS timestamp.
const timeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

const timePrecision = 24 * time.Hour // one tick per day
const timeSlots = 32 * 32            // two base32 characters

var timeNow = time.Now

// Rewriter signs and reverses SRS0 addresses.
type Rewriter struct {
	secret     []byte
	maxAge     int // days a signature stays valid
	hashLength int
	separator  string
}

// New returns a Rewriter with the given shared secret. maxAge 0 means
// 8 days; hashLength 0 means 4 characters.
func New(secret string, maxAge, hashLength int) *Rewriter {
	if maxAge == 0 {
		maxAge = 8
	}
	if hashLength == 0 {
		hashLength = 4
	}
	return &Rewriter{
		secret:     []byte(secret),
		maxAge:     maxAge,
		hashLength: hashLength,
		separator:  "=",
	}
}

// Signed reports whether addr carries an SRS0 or SRS1 tag, regardless
// of validity.
func Signed(addr string) bool {
	if len(addr) < 5 {
		return false
	}
	prefix := strings.ToUpper(addr[:4])
	if prefix != "SRS0" && prefix != "SRS1" {
		return false
	}
	switch addr[4] {
	case '=', '+', '-':
		return true
	}
	return false
}

// Forward rewrites local@domain into an SRS0 address at forwarder.
func (r *Rewriter) Forward(addr, forwarder string) (string, error) {
	local, domain, ok := splitAddr(addr)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadFormat, addr)
	}
	ts := r.timestamp()
	hash := r.hash(ts, domain, local)
	return fmt.Sprintf("SRS0%s%s=%s=%s=%s@%s",
		r.separator, hash, ts, domain, local, forwarder), nil
}

// Reverse recovers the original address from an SRS0 address, verifying
// the signature and its timestamp. The forwarder part, if present, is
// ignored: only the embedded hash, timestamp, domain and local-part
// participate.
func (r *Rewriter) Reverse(signed string) (string, error) {
	localPart := signed
	if i := strings.LastIndexByte(signed, '@'); i >= 0 {
		localPart = signed[:i]
	}
	if !Signed(localPart) {
		return "", ErrNotSigned
	}
	if !strings.EqualFold(localPart[:4], "SRS0") {
		// SRS1 re-forwarding is not deployed here.
		return "", fmt.Errorf("%w: SRS1", ErrBadFormat)
	}

	// SRS0<sep>hash=tt=domain=local
	parts := strings.SplitN(localPart[5:], "=", 4)
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: %q", ErrBadFormat, signed)
	}
	hash, ts, domain, local := parts[0], parts[1], parts[2], parts[3]

	want := r.hash(ts, domain, local)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(want)) != 1 {
		return "", ErrBadHash
	}
	if !r.timestampValid(ts) {
		return "", ErrExpired
	}
	return local + "@" + domain, nil
}

// hash computes the truncated base64 HMAC-SHA1 over the signed fields.
func (r *Rewriter) hash(ts, domain, local string) string {
	mac := hmac.New(sha1.New, r.secret)
	mac.Write([]byte(strings.ToLower(ts + domain + local)))
	sum := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if len(sum) > r.hashLength {
		sum = sum[:r.hashLength]
	}
	return sum
}

// timestamp encodes the current day number as two base32 characters.
func (r *Rewriter) timestamp() string {
	day := int(timeNow().Unix()/int64(timePrecision/time.Second)) % timeSlots
	return string([]byte{timeChars[day>>5&31], timeChars[day&31]})
}

// timestampValid decodes ts and checks it against the validity window,
// allowing for wraparound of the day counter.
func (r *Rewriter) timestampValid(ts string) bool {
	if len(ts) != 2 {
		return false
	}
	hi := strings.IndexByte(timeChars, upperByte(ts[0]))
	lo := strings.IndexByte(timeChars, upperByte(ts[1]))
	if hi < 0 || lo < 0 {
		return false
	}
	then := hi<<5 | lo
	now := int(timeNow().Unix()/int64(timePrecision/time.Second)) % timeSlots
	age := (now - then + timeSlots) % timeSlots
	return age <= r.maxAge
}

func upperByte(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

func splitAddr(addr string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}
