package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	rwdns "github.com/rewritedns/rewritedns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	config   string
	logLevel string
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "rewritedns",
		Short: "DNS proxy that rewrites query names",
		Long: `DNS proxy that rewrites query names.

It listens for DNS queries over UDP, rewrites the query
name with an ordered list of regular expression rules
and forwards the rewritten query to an upstream resolver.
Answers are returned under the name the client asked for.

Rules are read from the config file, the RULES variable
(JSON list of [pattern, replacement] pairs), the file
named in RULES_FILE, or built from SOURCE_SUFFIX and
TARGET_SUFFIX. The upstream is DNS_UPSTREAM and
DNS_UPSTREAM_PORT, or the host's resolvers if unset.

Metrics are served over HTTP on ADMIN_ADDRESS if set.
`,
		Example: `  RULES='[["(.*)\\.internal", "\\1.corp"]]' rewritedns
  rewritedns --config rewritedns.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&opt.config, "config", "c", "", "TOML config file")
	cmd.Flags().StringVarP(&opt.logLevel, "log-level", "l", "", "log level, overrides the config (trace, debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(opt options) error {
	config, err := loadConfig(opt.config, os.LookupEnv)
	if err != nil {
		return err
	}
	if opt.logLevel != "" {
		config.LogLevel = opt.logLevel
	}
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return err
	}
	rwdns.Log.SetLevel(level)

	rwdns.Log.Info("loading rules")
	rules, err := config.ruleSet()
	if err != nil {
		return fmt.Errorf("no usable rewrite rules, use RULES, RULES_FILE or SOURCE_SUFFIX/TARGET_SUFFIX: %w", err)
	}
	for _, r := range rules.Rules() {
		rwdns.Log.WithField("rule", r.String()).Info("rule")
	}

	rwdns.Log.Info("setting up resolver")
	resolver, upstream, err := buildResolver(config)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(config.Listen.Address, strconv.Itoa(config.Listen.Port))
	proxy, err := rwdns.NewProxy("proxy", rules, rwdns.UDPSocket{Addr: addr}, resolver, rwdns.ProxyOptions{
		DropOnFailure: config.Listen.DropOnFailure,
		MaxInFlight:   config.Listen.MaxInFlight,
		QueryTimeout:  config.Listen.QueryTimeout,
	})
	if err != nil {
		return err
	}
	h, err := proxy.Start(context.Background())
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(h.Wait)
	if config.Admin != nil {
		l := rwdns.NewAdminListener("admin", config.Admin.Address, rwdns.AdminListenerOptions{
			Rules: rules,
			Cache: upstream,
		})
		g.Go(func() error {
			err := l.Start()
			if err != nil {
				h.Cancel()
			}
			return err
		})
		g.Go(func() error {
			<-h.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return l.Stop(ctx)
		})
	}
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			rwdns.Log.WithField("signal", s.String()).Info("shutting down")
			h.Cancel()
		case <-h.Done():
		}
		return nil
	})
	return g.Wait()
}

// Builds the resolver chain: optional syslog, cache control, upstream. The
// upstream is returned as well for the admin endpoints.
func buildResolver(c config) (rwdns.Resolver, *rwdns.Upstream, error) {
	var provider rwdns.NameserverProvider
	if c.Upstream.Host != "" {
		p, err := rwdns.NewStaticNameservers(c.Upstream.Host, c.Upstream.Port, rwdns.StaticNameserverOptions{
			Attempts: c.Upstream.Attempts,
			Timeout:  c.Upstream.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		provider = p
	} else {
		provider = rwdns.NewSystemNameservers(rwdns.SystemNameserverOptions{
			ResolvConf: c.Upstream.ResolvConf,
			Attempts:   c.Upstream.Attempts,
			Timeout:    c.Upstream.Timeout,
		})
	}
	rwdns.Log.WithField("nameservers", provider.String()).Info("using upstream")

	upstream := rwdns.NewUpstream("upstream", provider, rwdns.UpstreamOptions{
		DisableCache: c.Cache.Disable,
		Cache: rwdns.CacheOptions{
			Capacity:    c.Cache.Capacity,
			NegativeTTL: c.Cache.NegativeTTL,
		},
	})
	var resolver rwdns.Resolver = rwdns.NewCacheController(upstream, c.Cache.ClearBeforeResolve)

	if c.Syslog != nil {
		s, err := rwdns.NewSyslog("syslog", resolver, rwdns.SyslogOptions{
			Network:     c.Syslog.Network,
			Address:     c.Syslog.Address,
			Priority:    c.Syslog.Priority,
			Tag:         c.Syslog.Tag,
			LogRequest:  c.Syslog.LogRequest,
			LogResponse: c.Syslog.LogResponse,
		})
		if err != nil {
			return nil, nil, err
		}
		resolver = s
	}
	return resolver, upstream, nil
}
