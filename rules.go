package rwdns

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// NoRule is the rule index reported by Rewrite when no rule matched.
const NoRule = -1

// RewriteRule is a single name rewrite as configured. From is a regular
// expression that has to match the whole name (without the trailing dot), To
// is the replacement template. The template accepts Go syntax ($1, ${name})
// as well as \1 style back-references.
type RewriteRule struct {
	From string `toml:"from" json:"from" validate:"required"`
	To   string `toml:"to" json:"to"`
}

func (r RewriteRule) String() string {
	return fmt.Sprintf("%s -> %s", r.From, r.To)
}

// Matches \1 style back-references in a template.
var backReference = regexp.MustCompile(`\\(\d+)`)

type rule struct {
	RewriteRule
	from *regexp.Regexp
	to   string
}

// Applies the rule to a name and returns the rewritten FQDN. The bool is
// false if the rule does not match.
func (r rule) apply(name string) (string, bool) {
	n := strings.TrimSuffix(name, ".")
	m := r.from.FindStringSubmatchIndex(n)
	if m == nil {
		return "", false
	}
	return dns.Fqdn(string(r.from.ExpandString(nil, r.to, n, m))), true
}

// RuleSet is an ordered, immutable list of rewrite rules. The first rule
// that matches a name is the one that is applied. Names that no rule
// matches are passed through unchanged.
type RuleSet struct {
	rules []rule
}

// NewRuleSet compiles the rules in the given order. At least one rule is
// required.
func NewRuleSet(list ...RewriteRule) (*RuleSet, error) {
	if len(list) == 0 {
		return nil, ErrNoRules
	}
	s := &RuleSet{rules: make([]rule, 0, len(list))}
	for _, o := range list {
		re, err := regexp.Compile(`^(?:` + o.From + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid rewrite rule '%s': %w", o, err)
		}
		s.rules = append(s.rules, rule{
			RewriteRule: o,
			from:        re,
			to:          backReference.ReplaceAllString(o.To, "$${$1}"),
		})
	}
	return s, nil
}

// SuffixRules returns the rules that replace the source suffix with the
// target suffix, followed by a catch-all rule that leaves all other names
// as they are.
func SuffixRules(source, target string) ([]RewriteRule, error) {
	source = strings.Trim(source, ".")
	target = strings.Trim(target, ".")
	if source == "" || target == "" {
		return nil, ErrMissingSuffix
	}
	return []RewriteRule{
		{From: `(?i)(.+)\.` + regexp.QuoteMeta(source), To: `${1}.` + target},
		{From: `(.*)`, To: `${1}`},
	}, nil
}

// SuffixRuleSet returns a rule set built from SuffixRules.
func SuffixRuleSet(source, target string) (*RuleSet, error) {
	list, err := SuffixRules(source, target)
	if err != nil {
		return nil, err
	}
	return NewRuleSet(list...)
}

// Rewrite returns the name produced by the first matching rule together with
// the index of that rule. If no rule matches, the name is returned unchanged
// with index NoRule.
func (s *RuleSet) Rewrite(name string) (string, int) {
	for i, r := range s.rules {
		if newName, ok := r.apply(name); ok {
			return newName, i
		}
	}
	return name, NoRule
}

// Unrewrite maps a name found in an answer back to the name the client
// asked for. original is the query name before rule i was applied to it. A
// name equal to the rewritten query name becomes the original name, anything
// else is returned as is.
func (s *RuleSet) Unrewrite(i int, original, answerName string) string {
	if i < 0 || i >= len(s.rules) {
		return answerName
	}
	r := s.rules[i]
	if newName, ok := r.apply(original); ok && strings.EqualFold(newName, answerName) {
		return original
	}
	return answerName
}

// Len returns the number of rules in the set.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Rules returns the rules as they were configured.
func (s *RuleSet) Rules() []RewriteRule {
	list := make([]RewriteRule, 0, len(s.rules))
	for _, r := range s.rules {
		list = append(list, r.RewriteRule)
	}
	return list
}

func (s *RuleSet) String() string {
	var list []string
	for _, r := range s.rules {
		list = append(list, r.RewriteRule.String())
	}
	return strings.Join(list, "; ")
}
