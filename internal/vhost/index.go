// Package vhost implements the spec §4.B virtual host router: building the
// exact-match and wildcard indexes at configuration-load time, and
// resolving a (Host header, SNI, path) triple to the immutable VirtualHost
// that should serve the request.
package vhost

import (
	"net"
	"net/http"
	"strings"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/edgeerr"
)

// Index is the read-only lookup structure built once per configuration
// Snapshot (spec §4.B: "The matching algorithm builds two indexes at load
// time"). It is safe for concurrent reads by any number of goroutines since
// nothing on it is mutated after BuildIndex returns.
type Index struct {
	exact       map[string]*config.VirtualHost
	suffixTrie  *trieNode // keyed by reversed labels, e.g. "com.example." for "*.example.com"
	prefixes    []prefixEntry
	defaultHost *config.VirtualHost
}

type prefixEntry struct {
	prefix string // e.g. "api." for "api.*"
	vhost  *config.VirtualHost
}

// trieNode indexes wildcard-suffix domains by reversed label so a lookup
// walks from TLD inward and can report the longest (most specific) match.
type trieNode struct {
	children map[string]*trieNode
	vhost    *config.VirtualHost // set iff a pattern terminates exactly here
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// BuildIndex constructs an Index from a configuration Snapshot. Duplicate
// domain patterns are not rejected: for exact, wildcard-suffix and default
// patterns the higher priority wins, then the earlier insertion order. The
// returned error is always nil.
func BuildIndex(snap *config.Snapshot) (*Index, error) {
	idx := &Index{
		exact:      make(map[string]*config.VirtualHost),
		suffixTrie: newTrieNode(),
	}
	for _, vh := range snap.VHosts {
		for _, d := range vh.Domains {
			if err := idx.insert(d, vh); err != nil {
				return nil, err
			}
		}
	}
	return idx, nil
}

func (idx *Index) insert(d config.DomainPattern, vh *config.VirtualHost) error {
	switch d.Kind {
	case config.PatternExact:
		name := strings.ToLower(d.Name)
		if existing, ok := idx.exact[name]; ok && betterOrEqual(existing, vh) {
			return nil // existing wins on priority/insertion order
		}
		idx.exact[name] = vh
	case config.PatternWildcardSuffix:
		labels := reverseLabels(strings.ToLower(d.Suffix))
		node := idx.suffixTrie
		for _, l := range labels {
			child, ok := node.children[l]
			if !ok {
				child = newTrieNode()
				node.children[l] = child
			}
			node = child
		}
		if node.vhost == nil || !betterOrEqual(node.vhost, vh) {
			node.vhost = vh
		}
	case config.PatternWildcardPrefix:
		idx.prefixes = append(idx.prefixes, prefixEntry{prefix: strings.ToLower(d.Prefix), vhost: vh})
	case config.PatternDefault:
		if idx.defaultHost == nil || !betterOrEqual(idx.defaultHost, vh) {
			idx.defaultHost = vh
		}
	}
	return nil
}

// betterOrEqual reports whether the incumbent vhost should be kept over the
// challenger per spec §3's tie-break: higher priority wins, ties broken by
// insertion order (earlier wins).
func betterOrEqual(incumbent, challenger *config.VirtualHost) bool {
	if incumbent.Priority != challenger.Priority {
		return incumbent.Priority > challenger.Priority
	}
	return incumbentInsertionOrder(incumbent) <= incumbentInsertionOrder(challenger)
}

// incumbentInsertionOrder reaches the unexported insertionOrder field via
// the accessor in this package (config and vhost are sibling packages; the
// field stays private to config so nothing outside configuration loading
// can forge ordering).
func incumbentInsertionOrder(vh *config.VirtualHost) int {
	return config.InsertionOrder(vh)
}

func reverseLabels(domain string) []string {
	parts := strings.Split(domain, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// Route resolves a virtual host per spec §4.B: host-header match is
// case-insensitive on the domain portion, any port suffix is stripped; if
// sniName is non-empty it must match hostHeader exactly (case-insensitive)
// or the request fails with 421 Misdirected Request.
func Route(idx *Index, hostHeader, sniName, path string) (*config.VirtualHost, error) {
	host := stripPort(strings.ToLower(strings.TrimSpace(hostHeader)))
	if sniName != "" {
		sni := strings.ToLower(strings.TrimSuffix(sniName, "."))
		if sni != strings.TrimSuffix(host, ".") {
			return nil, edgeerr.New(edgeerr.BadRequest, "vhost.sni_mismatch",
				"TLS SNI does not match HTTP Host header", nil).WithStatus(http.StatusMisdirectedRequest)
		}
	}
	if vh, ok := idx.exact[host]; ok {
		return vh, nil
	}
	if vh := idx.matchSuffix(host); vh != nil {
		return vh, nil
	}
	if vh := idx.matchPrefix(host); vh != nil {
		return vh, nil
	}
	if idx.defaultHost != nil {
		return idx.defaultHost, nil
	}
	return nil, edgeerr.New(edgeerr.BadRequest, "vhost.no_match", "no virtual host matches request", nil).WithStatus(http.StatusNotFound)
}

// matchSuffix finds the longest wildcard-suffix match by walking the trie
// from the TLD inward and remembering the deepest node carrying a vhost.
func (idx *Index) matchSuffix(host string) *config.VirtualHost {
	labels := reverseLabels(host)
	node := idx.suffixTrie
	var best *config.VirtualHost
	for _, l := range labels {
		child, ok := node.children[l]
		if !ok {
			break
		}
		node = child
		if node.vhost != nil {
			best = node.vhost
		}
	}
	return best
}

// matchPrefix finds the longest wildcard-prefix match ("api.*" matching
// "api.example.com").
func (idx *Index) matchPrefix(host string) *config.VirtualHost {
	var best *prefixEntry
	for i := range idx.prefixes {
		p := &idx.prefixes[i]
		if strings.HasPrefix(host, p.prefix) {
			if best == nil || len(p.prefix) > len(best.prefix) {
				best = p
			}
		}
	}
	if best == nil {
		return nil
	}
	return best.vhost
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
