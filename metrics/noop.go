package metrics

// NoopCollector discards all metrics.
type NoopCollector struct{}

func (NoopCollector) ConnectionOpened()                     {}
func (NoopCollector) ConnectionClosed()                     {}
func (NoopCollector) VerdictReturned(phase, verdict string) {}
func (NoopCollector) SPFCheckCompleted(result string)       {}
func (NoopCollector) CallbackCompleted(result string)       {}
func (NoopCollector) Greylisted()                           {}
func (NoopCollector) IPBanned()                             {}
func (NoopCollector) DomainBanned()                         {}
