package assetcache

import "strings"

// DefaultBypassHosts is the canonical bypass set: the live content API and the
// ES module CDN whose modules must always be fetched fresh.
var DefaultBypassHosts = []string{"graph.microsoft.com", "esm.sh"}

// BypassRules is a static set of host predicates. A pattern is either an exact
// host name or "*.suffix", which matches every subdomain of suffix but not
// suffix itself.
type BypassRules struct {
	exact    map[string]struct{}
	suffixes []string
}

func NewBypassRules(hosts []string) BypassRules {
	r := BypassRules{exact: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, "*.") {
			r.suffixes = append(r.suffixes, h[1:])
			continue
		}
		r.exact[h] = struct{}{}
	}
	return r
}

// Match reports whether host (without port) is bypassed.
func (r BypassRules) Match(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	if _, ok := r.exact[host]; ok {
		return true
	}
	for _, s := range r.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}
