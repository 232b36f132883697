package main

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	rwdns "github.com/rewritedns/rewritedns"
)

type config struct {
	Listen   listener            `toml:"listen"`
	Upstream upstream            `toml:"upstream"`
	Cache    cache               `toml:"cache"`
	Rules    []rwdns.RewriteRule `toml:"rules" validate:"dive"`
	Suffix   suffix              `toml:"suffix"`
	Syslog   *syslog             `toml:"syslog"`
	Admin    *admin              `toml:"admin"`

	// JSON file with a list of [pattern, replacement] pairs
	RulesFile string `toml:"rules-file" validate:"omitempty,file"`

	LogLevel string `toml:"log-level" validate:"omitempty,oneof=trace debug info warn warning error"`
}

type listener struct {
	Address       string        `toml:"address" validate:"omitempty,hostname_rfc1123|ip"`
	Port          int           `toml:"port" validate:"min=1,max=65535"`
	MaxInFlight   int64         `toml:"max-in-flight" validate:"gte=0"`
	DropOnFailure bool          `toml:"drop-on-failure"`
	QueryTimeout  time.Duration `toml:"query-timeout" validate:"gte=0"`
}

type upstream struct {
	// Use the host's resolvers if empty
	Host       string        `toml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port       int           `toml:"port" validate:"omitempty,min=1,max=65535"`
	Attempts   int           `toml:"attempts" validate:"gte=0"`
	Timeout    time.Duration `toml:"timeout" validate:"gte=0"`
	ResolvConf string        `toml:"resolv-conf"`
}

type cache struct {
	Disable            bool   `toml:"disable"`
	ClearBeforeResolve bool   `toml:"clear-before-resolve"`
	Capacity           int    `toml:"capacity" validate:"gte=0"`
	NegativeTTL        uint32 `toml:"negative-ttl"`
}

type suffix struct {
	Source string `toml:"source"`
	Target string `toml:"target"`
}

type syslog struct {
	Network     string `toml:"network" validate:"omitempty,oneof=udp tcp unix unixgram"`
	Address     string `toml:"address"`
	Priority    int    `toml:"priority" validate:"gte=0"`
	Tag         string `toml:"tag"`
	LogRequest  bool   `toml:"log-request"`
	LogResponse bool   `toml:"log-response"`
}

type admin struct {
	Address string `toml:"address" validate:"required,hostname_port"`
}

func defaultConfig() config {
	return config{
		Listen: listener{
			Address: "0.0.0.0",
			Port:    53,
		},
		Upstream: upstream{
			Port: 53,
		},
		Cache: cache{
			// Upstream records can change faster than their TTL suggests
			ClearBeforeResolve: true,
		},
		LogLevel: "info",
	}
}

// loadConfig reads the optional config file and applies the environment
// on top of it. lookup is typically os.LookupEnv.
func loadConfig(name string, lookup func(string) (string, bool)) (config, error) {
	c := defaultConfig()
	if name != "" {
		if _, err := toml.DecodeFile(name, &c); err != nil {
			return c, errors.Wrapf(err, "failed to load config '%s'", name)
		}
	}
	if err := applyEnv(&c, lookup); err != nil {
		return c, err
	}
	if c.RulesFile != "" {
		b, err := os.ReadFile(c.RulesFile)
		if err != nil {
			return c, errors.Wrapf(err, "failed to read rules file '%s'", c.RulesFile)
		}
		rules, err := parseRules(b)
		if err != nil {
			return c, errors.Wrapf(err, "invalid rules file '%s'", c.RulesFile)
		}
		c.Rules = append(c.Rules, rules...)
	}
	if err := validator.New().Struct(c); err != nil {
		return c, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}

// Environment variables of the container deployment.
func applyEnv(c *config, lookup func(string) (string, bool)) error {
	var err error
	if v, ok := lookup("RULES"); ok && v != "" {
		rules, err := parseRules([]byte(v))
		if err != nil {
			return errors.Wrap(err, "invalid RULES")
		}
		c.Rules = append(c.Rules, rules...)
	}
	if v, ok := lookup("RULES_FILE"); ok && v != "" {
		c.RulesFile = v
	}
	if v, ok := lookup("SOURCE_SUFFIX"); ok {
		c.Suffix.Source = v
	}
	if v, ok := lookup("TARGET_SUFFIX"); ok {
		c.Suffix.Target = v
	}
	if v, ok := lookup("DNS_UPSTREAM"); ok {
		c.Upstream.Host = v
	}
	if v, ok := lookup("DNS_UPSTREAM_PORT"); ok {
		if c.Upstream.Port, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "invalid DNS_UPSTREAM_PORT")
		}
	}
	if v, ok := lookup("SERVER_ADDRESS"); ok {
		c.Listen.Address = v
	}
	if v, ok := lookup("SERVER_PORT"); ok {
		if c.Listen.Port, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "invalid SERVER_PORT")
		}
	}
	if v, ok := lookup("CLEAR_CACHE"); ok {
		if c.Cache.ClearBeforeResolve, err = strconv.ParseBool(v); err != nil {
			return errors.Wrap(err, "invalid CLEAR_CACHE")
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("ADMIN_ADDRESS"); ok && v != "" {
		c.Admin = &admin{Address: v}
	}
	return nil
}

// Decodes a JSON list of [pattern, replacement] pairs.
func parseRules(b []byte) ([]rwdns.RewriteRule, error) {
	var pairs [][2]string
	if err := json.Unmarshal(b, &pairs); err != nil {
		return nil, err
	}
	rules := make([]rwdns.RewriteRule, 0, len(pairs))
	for _, p := range pairs {
		rules = append(rules, rwdns.RewriteRule{From: p[0], To: p[1]})
	}
	return rules, nil
}

// ruleSet builds the rewrite rules from the configuration. Explicit rules
// come first, the suffix pair (with its catch-all rule) last.
func (c config) ruleSet() (*rwdns.RuleSet, error) {
	rules := append([]rwdns.RewriteRule{}, c.Rules...)
	if c.Suffix.Source != "" || c.Suffix.Target != "" {
		suffixRules, err := rwdns.SuffixRules(c.Suffix.Source, c.Suffix.Target)
		if err != nil {
			return nil, err
		}
		rules = append(rules, suffixRules...)
	}
	return rwdns.NewRuleSet(rules...)
}
