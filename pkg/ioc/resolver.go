package ioc

import (
	"net/netip"
	"sort"
)

type asnEntry struct {
	prefix netip.Prefix
	asn    string
}

// StaticResolver resolves ASNs from a fixed prefix table using longest
// prefix match.
type StaticResolver struct {
	entries []asnEntry
}

// NewStaticResolver builds a resolver from CIDR -> ASN pairs
func NewStaticResolver(table map[string]string) (*StaticResolver, error) {
	r := &StaticResolver{}
	for cidr, asn := range table {
		p, err := parsePrefix(cidr)
		if err != nil {
			return nil, &ConfigError{Field: "asn_table", Value: cidr, Err: err}
		}
		r.entries = append(r.entries, asnEntry{prefix: p, asn: asn})
	}
	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].prefix.Bits() > r.entries[j].prefix.Bits()
	})
	return r, nil
}

func (r *StaticResolver) LookupASN(addr netip.Addr) (string, bool) {
	for _, e := range r.entries {
		if e.prefix.Contains(addr) {
			return e.asn, true
		}
	}
	return "", false
}
