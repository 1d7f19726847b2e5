// Command bmsmilter runs the content filter as a sendmail/postfix
// milter.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/phalaaxx/milter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sdgathman/bmsmilter/access"
	"github.com/sdgathman/bmsmilter/ban"
	"github.com/sdgathman/bmsmilter/cache"
	"github.com/sdgathman/bmsmilter/config"
	"github.com/sdgathman/bmsmilter/dns"
	"github.com/sdgathman/bmsmilter/filter"
	"github.com/sdgathman/bmsmilter/gossip"
	"github.com/sdgathman/bmsmilter/greylist"
	"github.com/sdgathman/bmsmilter/metrics"
	"github.com/sdgathman/bmsmilter/probe"
	"github.com/sdgathman/bmsmilter/srs"
)

func main() {
	var configPath, addr string
	flag.StringVar(&configPath, "config", "/etc/mail/bmsmilter.toml",
		"Configuration file")
	flag.StringVar(&addr, "addr", "",
		"Milter socket, tcp:host:port or unix:path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Milter.Socket = addr
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "bad log_level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	flt, cleanup, err := buildFilter(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		flt.Metrics = metrics.NewPrometheusCollector(reg)
		srv := metrics.NewPrometheusServer(cfg.Metrics.Address, reg)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	proto, address, ok := strings.Cut(cfg.Milter.Socket, ":")
	if !ok || (proto != "tcp" && proto != "unix") {
		return fmt.Errorf("bad milter socket %q", cfg.Milter.Socket)
	}
	if proto == "unix" {
		os.Remove(address)
	}
	socket, err := net.Listen(proto, address)
	if err != nil {
		return err
	}
	if proto == "unix" {
		if err := os.Chmod(address, 0o660); err != nil {
			socket.Close()
			return err
		}
		defer os.Remove(address)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		socket.Close()
	}()

	logger.Info("listening", "socket", cfg.Milter.Socket)
	init := func() (milter.Milter, milter.OptAction, milter.OptProtocol) {
		return &milterSession{f: flt},
			milter.OptAddHeader | milter.OptChangeHeader |
				milter.OptAddRcpt | milter.OptRemoveRcpt,
			0
	}
	err = milter.RunServer(socket, init)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// buildFilter assembles the shared services from the configuration.
func buildFilter(cfg *config.Config, logger *slog.Logger) (*filter.Filter, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*filter.Filter, func(), error) {
		cleanup()
		return nil, nil, err
	}

	resolver := dns.NewResolver(dns.ResolverConfig{
		Nameservers: cfg.DNS.Nameservers,
		Timeout:     cfg.DNSTimeout(),
	})

	flt := &filter.Filter{
		Config:   cfg,
		Resolver: resolver,
		Logger:   logger,
	}

	if cfg.SPF.AccessFile != "" {
		store, err := access.Load(cfg.SPF.AccessFile)
		if err != nil {
			return fail(err)
		}
		flt.Access = store
	}

	bannedIPs := ban.NewSet(logger)
	if err := bannedIPs.Load(cfg.DataPath("banned_ips")); err != nil {
		return fail(err)
	}
	closers = append(closers, func() { bannedIPs.Close() })
	flt.BannedIPs = bannedIPs

	bannedDomains := ban.NewSet(logger)
	if err := bannedDomains.Load(cfg.DataPath("banned_domains")); err != nil {
		return fail(err)
	}
	closers = append(closers, func() { bannedDomains.Close() })
	flt.BannedDomains = bannedDomains

	for _, c := range []struct {
		renew time.Duration
		file  string
		dst   **cache.AddrCache
	}{
		{60 * 24 * time.Hour, "auto_whitelist.log", &flt.AutoWhitelist},
		{7 * 24 * time.Hour, "send_dsn.log", &flt.CBVCache},
		{30 * 24 * time.Hour, "blacklist.log", &flt.Blacklist},
	} {
		ac := cache.New(c.renew, logger)
		if err := ac.Load(cfg.DataPath(c.file), 0); err != nil {
			return fail(err)
		}
		closers = append(closers, func() { ac.Close() })
		*c.dst = ac
	}

	if cfg.Greylist.Redis != "" {
		delay, window, retain := cfg.GreylistWindows()
		flt.Greylist = greylist.New(cfg.Greylist.Redis, greylist.Config{
			Delay:  delay,
			Window: window,
			Retain: retain,
		}, logger)
	}

	if cfg.Gossip.Server != "" {
		flt.Gossip = gossip.NewClient(cfg.Gossip.Server,
			cfg.GossipTimeout(), cfg.Gossip.TTL, logger)
	}

	flt.Prober = &probe.Prober{
		Resolver:  resolver,
		Cache:     flt.CBVCache,
		LocalName: cfg.CBV.LocalName,
		Timeout:   cfg.CBVTimeout(),
		Logger:    logger,
	}

	if cfg.SRS.Secret != "" {
		flt.Rewriter = srs.New(cfg.SRS.Secret, cfg.SRS.MaxAge, cfg.SRS.HashLength)
	}

	return flt, cleanup, nil
}

// milterSession adapts one milter connection to a filter.Session.
type milterSession struct {
	milter.Milter
	f *filter.Filter
	s *filter.Session
}

func (ms *milterSession) session() *filter.Session {
	if ms.s == nil {
		ms.s = ms.f.NewSession()
	}
	return ms.s
}

func (ms *milterSession) Connect(host, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	rc := ms.session().Connect(host, addr, filter.Macros(m.Macros))
	return ms.response("connect", rc), nil
}

func (ms *milterSession) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	return ms.response("helo", ms.session().Helo(name)), nil
}

func (ms *milterSession) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	rc := ms.session().MailFrom(context.Background(), "<"+from+">", filter.Macros(m.Macros))
	return ms.response("mail", rc), nil
}

func (ms *milterSession) RcptTo(rcpt string, m *milter.Modifier) (milter.Response, error) {
	rc := ms.session().RcptTo(context.Background(), "<"+rcpt+">", nil)
	return ms.response("rcpt", rc), nil
}

func (ms *milterSession) Header(name, value string, m *milter.Modifier) (milter.Response, error) {
	return ms.response("header", ms.session().Header(context.Background(), name, value)), nil
}

func (ms *milterSession) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	return ms.response("eoh", ms.session().EndOfHeaders()), nil
}

func (ms *milterSession) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	return ms.response("body", ms.session().BodyChunk(chunk)), nil
}

func (ms *milterSession) Body(m *milter.Modifier) (milter.Response, error) {
	rc, muts := ms.session().EndOfMessage(context.Background())
	if muts != nil && rc.Verdict == filter.Accept {
		if err := applyMutations(muts, m); err != nil {
			return nil, err
		}
	}
	return ms.response("eom", rc), nil
}

func applyMutations(muts *filter.Mutations, m *milter.Modifier) error {
	for _, h := range muts.Headers {
		var err error
		if h.Index >= 0 {
			err = m.InsertHeader(h.Index, h.Name, h.Value)
		} else {
			err = m.AddHeader(h.Name, h.Value)
		}
		if err != nil {
			return err
		}
	}
	for _, r := range muts.AddRcpt {
		if err := m.AddRecipient(r); err != nil {
			return err
		}
	}
	for _, r := range muts.DelRcpt {
		if err := m.DeleteRecipient(r); err != nil {
			return err
		}
	}
	return nil
}

// response translates a filter verdict to the milter protocol and
// counts it. Replies with text become SMFIR_REPLYCODE responses so the
// client sees the explanation.
func (ms *milterSession) response(phase string, rc filter.Response) milter.Response {
	if ms.f.Metrics != nil {
		ms.f.Metrics.VerdictReturned(phase, rc.Verdict.String())
	}
	return response(rc)
}

func response(rc filter.Response) milter.Response {
	switch rc.Verdict {
	case filter.Accept:
		return milter.RespAccept
	case filter.Discard:
		return milter.RespDiscard
	case filter.Reject:
		if rc.Reply != nil {
			return milter.NewResponseStr('y', formatReply(rc.Reply))
		}
		return milter.RespReject
	case filter.TempFail:
		if rc.Reply != nil {
			return milter.NewResponseStr('y', formatReply(rc.Reply))
		}
		return milter.RespTempFail
	}
	return milter.RespContinue
}

// formatReply renders a multi-line SMTP reply.
func formatReply(r *filter.Reply) string {
	var b strings.Builder
	for i, ln := range r.Lines {
		sep := "-"
		if i == len(r.Lines)-1 {
			sep = " "
		}
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(r.Code)
		b.WriteString(sep)
		if r.XCode != "" {
			b.WriteString(r.XCode)
			b.WriteString(" ")
		}
		b.WriteString(ln)
	}
	return b.String()
}
