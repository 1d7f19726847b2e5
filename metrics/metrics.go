// Package metrics records what the filter does to mail. The Collector
// interface keeps the filter code independent of the backend; the
// prometheus implementation is wired in when the metrics endpoint is
// enabled, the noop one otherwise.
package metrics

import "context"

// Collector records filter activity.
type Collector interface {
	// Connection metrics.
	ConnectionOpened()
	ConnectionClosed()

	// VerdictReturned records the milter answer for one callback
	// phase. verdict is "accept", "reject", "tempfail", "discard" or
	// "continue".
	VerdictReturned(phase, verdict string)

	// SPFCheckCompleted records one sender policy evaluation.
	SPFCheckCompleted(result string)

	// CallbackCompleted records one callback verification.
	// result is "accepted", "refused" or "unreachable".
	CallbackCompleted(result string)

	// Greylisted records a first-contact delay.
	Greylisted()

	// IPBanned records an address crossing the offense ceiling.
	IPBanned()

	// DomainBanned records a domain added to the banned set.
	DomainBanned()
}

// Server exposes collected metrics over HTTP.
type Server interface {
	// Start blocks until the context is canceled or serving fails.
	Start(ctx context.Context) error

	Shutdown(ctx context.Context) error
}
