package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector on prometheus counters.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	verdictsTotal  *prometheus.CounterVec
	spfChecksTotal *prometheus.CounterVec
	callbacksTotal *prometheus.CounterVec

	greylistedTotal prometheus.Counter
	ipBansTotal     prometheus.Counter
	domainBansTotal prometheus.Counter
}

// NewPrometheusCollector registers the filter metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmsmilter_connections_total",
			Help: "Total number of milter connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bmsmilter_connections_active",
			Help: "Number of currently active milter connections.",
		}),
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsmilter_verdicts_total",
			Help: "Total number of verdicts, by callback phase.",
		}, []string{"phase", "verdict"}),
		spfChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsmilter_spf_checks_total",
			Help: "Total number of sender policy evaluations.",
		}, []string{"result"}),
		callbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsmilter_callbacks_total",
			Help: "Total number of callback verifications.",
		}, []string{"result"}),
		greylistedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmsmilter_greylisted_total",
			Help: "Total number of first-contact delays issued.",
		}),
		ipBansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmsmilter_ip_bans_total",
			Help: "Total number of client addresses banned.",
		}),
		domainBansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmsmilter_domain_bans_total",
			Help: "Total number of sender domains banned.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.verdictsTotal,
		c.spfChecksTotal,
		c.callbacksTotal,
		c.greylistedTotal,
		c.ipBansTotal,
		c.domainBansTotal,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) VerdictReturned(phase, verdict string) {
	c.verdictsTotal.WithLabelValues(phase, verdict).Inc()
}

func (c *PrometheusCollector) SPFCheckCompleted(result string) {
	c.spfChecksTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) CallbackCompleted(result string) {
	c.callbacksTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) Greylisted()   { c.greylistedTotal.Inc() }
func (c *PrometheusCollector) IPBanned()     { c.ipBansTotal.Inc() }
func (c *PrometheusCollector) DomainBanned() { c.domainBansTotal.Inc() }

// PrometheusServer serves the metrics endpoint over HTTP.
type PrometheusServer struct {
	server *http.Server
}

// NewPrometheusServer serves the gatherer at address under /metrics.
func NewPrometheusServer(address string, g prometheus.Gatherer) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &PrometheusServer{
		server: &http.Server{
			Addr:    address,
			Handler: mux,
		},
	}
}

// Start blocks until the context is canceled or serving fails.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
