// Package ioc correlates request attributes against static indicator lists
// (CIDR ranges, country codes, exact strings and regexes).
package ioc

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// Descriptor prefixes, in evaluation order
const (
	CategoryCIDR     = "cidr"
	CategoryCountry  = "country"
	CategoryUA       = "ua"
	CategoryUARegex  = "ua_regex"
	CategoryURI      = "uri"
	CategoryURIRegex = "uri_regex"
	CategoryASN      = "asn"
)

// Record carries the attributes of one request or entity. Empty fields are
// not evaluated.
type Record struct {
	ClientIP  string `json:"client_ip,omitempty"`
	Country   string `json:"country,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	URI       string `json:"uri,omitempty"`
}

// MatchResult is the outcome of evaluating one record
type MatchResult struct {
	Matched bool     `json:"matched"`
	Rules   []string `json:"rules"`
}

// ASNResolver maps an address to its autonomous system number, for example
// "AS15169". ok is false when the address is unknown.
type ASNResolver interface {
	LookupASN(addr netip.Addr) (asn string, ok bool)
}

// Option configures a RuleSet
type Option func(*RuleSet)

// WithASNResolver enables ASN matching
func WithASNResolver(r ASNResolver) Option {
	return func(rs *RuleSet) {
		rs.asnResolver = r
	}
}

type pattern struct {
	source string
	re     *regexp.Regexp
}

// RuleSet is an immutable compiled indicator set, safe for concurrent use
type RuleSet struct {
	prefixes  []netip.Prefix
	countries map[string]struct{}
	exactUA   map[string]struct{}
	exactURI  map[string]struct{}
	regexUA   []pattern
	regexURI  []pattern
	asns      map[string]string // normalized -> configured

	asnResolver ASNResolver
}

// New compiles cfg. Malformed CIDRs or regexes return a *ConfigError.
func New(cfg Config, opts ...Option) (*RuleSet, error) {
	rs := &RuleSet{
		countries: toSet(cfg.Country),
		exactUA:   toSet(cfg.UA),
		exactURI:  toSet(cfg.URI),
		asns:      make(map[string]string, len(cfg.ASN)),
	}

	for _, c := range cfg.CIDRs {
		p, err := parsePrefix(c)
		if err != nil {
			return nil, &ConfigError{Field: "cidrs", Value: c, Err: err}
		}
		rs.prefixes = append(rs.prefixes, p)
	}

	var err error
	if rs.regexUA, err = compilePatterns("regex.ua", cfg.Regex.UA); err != nil {
		return nil, err
	}
	if rs.regexURI, err = compilePatterns("regex.uri", cfg.Regex.URI); err != nil {
		return nil, err
	}

	for _, a := range cfg.ASN {
		n := normalizeASN(a)
		if n == "" {
			return nil, &ConfigError{Field: "asn", Value: a, Err: errors.New("empty ASN")}
		}
		rs.asns[n] = a
	}

	for _, opt := range opts {
		opt(rs)
	}
	return rs, nil
}

// Empty reports whether the rule set has no indicators at all
func (rs *RuleSet) Empty() bool {
	return len(rs.prefixes) == 0 && len(rs.countries) == 0 && len(rs.exactUA) == 0 &&
		len(rs.exactURI) == 0 && len(rs.regexUA) == 0 && len(rs.regexURI) == 0 && len(rs.asns) == 0
}

// Match evaluates every category against r and returns all matched rule
// descriptors in category order.
func (rs *RuleSet) Match(r Record) MatchResult {
	rules := make([]string, 0)

	addr, addrOK := parseAddr(r.ClientIP)
	if addrOK {
		for _, p := range rs.prefixes {
			if p.Contains(addr) {
				rules = append(rules, CategoryCIDR+":"+p.String())
			}
		}
	}

	if r.Country != "" {
		if _, ok := rs.countries[r.Country]; ok {
			rules = append(rules, CategoryCountry+":"+r.Country)
		}
	}

	if r.UserAgent != "" {
		if _, ok := rs.exactUA[r.UserAgent]; ok {
			rules = append(rules, CategoryUA+":"+r.UserAgent)
		}
		for _, p := range rs.regexUA {
			if p.re.MatchString(r.UserAgent) {
				rules = append(rules, CategoryUARegex+":"+p.source)
			}
		}
	}

	if r.URI != "" {
		if _, ok := rs.exactURI[r.URI]; ok {
			rules = append(rules, CategoryURI+":"+r.URI)
		}
		for _, p := range rs.regexURI {
			if p.re.MatchString(r.URI) {
				rules = append(rules, CategoryURIRegex+":"+p.source)
			}
		}
	}

	if addrOK && rs.asnResolver != nil && len(rs.asns) > 0 {
		if asn, ok := rs.asnResolver.LookupASN(addr); ok {
			if configured, hit := rs.asns[normalizeASN(asn)]; hit {
				rules = append(rules, CategoryASN+":"+configured)
			}
		}
	}

	return MatchResult{Matched: len(rules) > 0, Rules: rules}
}

// Category returns the category prefix of a rule descriptor
func Category(descriptor string) string {
	category, _, _ := strings.Cut(descriptor, ":")
	return category
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// parsePrefix accepts CIDR notation or a bare address (a single-host
// prefix). Host bits must be zero.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if p.Addr().Is4In6() {
		bits := p.Bits() - 96
		if bits < 0 {
			return netip.Prefix{}, fmt.Errorf("prefix length too short for mapped IPv4")
		}
		p = netip.PrefixFrom(p.Addr().Unmap(), bits)
	}
	if p.Masked() != p {
		return netip.Prefix{}, fmt.Errorf("host bits set, expected %s", p.Masked())
	}
	return p, nil
}

func parseAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

func compilePatterns(field string, sources []string) ([]pattern, error) {
	patterns := make([]pattern, 0, len(sources))
	for _, src := range sources {
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			return nil, &ConfigError{Field: field, Value: src, Err: err}
		}
		patterns = append(patterns, pattern{source: src, re: re})
	}
	return patterns, nil
}

// normalizeASN maps "AS15169", "as15169" and "15169" to "15169"
func normalizeASN(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.EqualFold(s[:2], "AS") {
		s = s[2:]
	}
	return s
}
