// Package acl implements the bypass / proxy / outbound-block rule engine:
// a line-oriented text file is parsed into three named sets of IP prefixes
// plus compiled regexes, and destinations are classified against them.
package acl

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/idna"
)

// Class is the outcome of classifying a destination.
type Class int

const (
	Proxy Class = iota
	Bypass
	Block
)

func (c Class) String() string {
	switch c {
	case Bypass:
		return "bypass"
	case Block:
		return "block"
	default:
		return "proxy"
	}
}

// Mode is the default routing decision used when no rule matches.
type Mode int

const (
	ProxyAll Mode = iota
	BypassAll
)

const maxLineLength = 255

// ruleList is one named section: an IPv4 set, an IPv6 set, and a list of
// compiled regexes matched against the raw (IDNA-normalized) hostname.
type ruleList struct {
	v4, v6  *ipSet
	regexes []*regexp.Regexp
}

func newRuleList() *ruleList {
	return &ruleList{v4: newIPSet(32), v6: newIPSet(128)}
}

func (r *ruleList) matchIP(ip net.IP) bool {
	key, isV4, ok := normalize(ip)
	if !ok {
		return false
	}
	if isV4 {
		return r.v4.contains(key)
	}
	return r.v6.contains(key)
}

func (r *ruleList) matchHost(host string) bool {
	for _, re := range r.regexes {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// ACL holds the three named rule lists and the default mode, guarded by
// a mutex so a config reload can swap rules in while connections are
// being classified concurrently. A disabled ACL, as returned by New,
// classifies everything as Proxy.
type ACL struct {
	mu sync.RWMutex

	enabled bool
	mode    Mode

	bypass *ruleList
	proxy  *ruleList
	block  *ruleList
}

// New returns a disabled ACL; every destination routes via the relay.
func New() *ACL {
	return &ACL{bypass: newRuleList(), proxy: newRuleList(), block: newRuleList()}
}

// Enabled reports whether rules should be consulted at all (spec §4.3
// step 2: "If ACL is disabled, route via relay").
func (a *ACL) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// SetDefaultMode enables the ACL (if not already) and sets the tiebreak
// mode used when no rule matches, for configs that want a default_mode
// without supplying a rule file.
func (a *ACL) SetDefaultMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	a.mode = mode
}

// Reload re-parses r and atomically replaces this ACL's rule sets and
// mode in place, so callers already holding a pointer to this ACL (every
// mediator.Config sharing it) observe the new rules on their very next
// Classify call, per spec §4.2's buffer-drain-on-reload pairing. Pool
// draining itself is the caller's responsibility (see
// mediator.Runtime.DrainPool), since this package owns no buffer pool.
func (a *ACL) Reload(r io.Reader) error {
	fresh, err := Load(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = fresh.enabled
	a.mode = fresh.mode
	a.bypass = fresh.bypass
	a.proxy = fresh.proxy
	a.block = fresh.block
	return nil
}

// Load parses r as an ACL file and returns a populated ACL. Unknown
// section headers are logged and their lines fall into the previously
// active section, per spec §6.3.
func Load(r io.Reader) (*ACL, error) {
	a := New()
	a.enabled = true

	scanner := bufio.NewScanner(r)
	active := a.bypass // arbitrary default target until a header is seen
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if len(raw) > maxLineLength {
			log.Printf("[acl] line %d: exceeds %d bytes, discarded", lineNo, maxLineLength)
			continue
		}
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			switch header {
			case "bypass_list", "black_list":
				active = a.bypass
			case "proxy_list", "white_list":
				active = a.proxy
			case "outbound_block_list":
				active = a.block
			case "bypass_all", "reject_all":
				a.mode = BypassAll
			case "proxy_all", "accept_all":
				a.mode = ProxyAll
			default:
				log.Printf("[acl] line %d: unknown section %q, entries fall into previous section", lineNo, header)
			}
			continue
		}

		addRuleLine(active, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("acl: read: %w", err)
	}
	return a, nil
}

// addRuleLine classifies one ACL entry: CIDR/IP literal vs. regex, per
// spec §4.3's "looks like a regex" heuristic.
func addRuleLine(list *ruleList, line string) {
	host, cidr, hasCIDR := splitCIDR(line)

	if looksLikeRegex(host) {
		compileAndAppend(list, line)
		return
	}

	if ip := net.ParseIP(host); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		prefixLen := bits
		if hasCIDR {
			prefixLen = cidr
		}
		if prefixLen < 0 || prefixLen > bits {
			log.Printf("[acl] invalid prefix length in %q, skipping", line)
			return
		}
		key, isV4, _ := normalize(ip)
		if isV4 {
			list.v4.insert(key, prefixLen)
		} else {
			list.v6.insert(key, prefixLen)
		}
		return
	}

	// Not an IP literal: treat the whole entry as a literal regex.
	compileAndAppend(list, line)
}

func compileAndAppend(list *ruleList, pattern string) {
	re, err := regexp.CompilePOSIX(pattern)
	if err != nil {
		log.Printf("[acl] invalid regex %q: %v, skipping", pattern, err)
		return
	}
	list.regexes = append(list.regexes, re)
}

// looksLikeRegex reports whether host (the portion before any CIDR
// slash) contains characters that indicate it is a pattern rather than
// a literal hostname.
func looksLikeRegex(host string) bool {
	return strings.ContainsAny(host, `\*`) || strings.Contains(host, "[") || strings.Contains(host, "(")
}

// splitCIDR splits "host/cidr" into host and the parsed cidr bits.
func splitCIDR(s string) (host string, cidr int, ok bool) {
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return s, 0, false
	}
	return s[:idx], n, true
}

// Classify implements spec §4.3's four-step lookup.
func (a *ACL) Classify(host string, port uint16) Class {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.enabled {
		return Proxy
	}

	normHost := normalizeHost(host)

	if ip := net.ParseIP(host); ip != nil {
		if a.block.matchIP(ip) {
			return Block
		}
	} else if a.block.matchHost(normHost) {
		return Block
	}

	// +1 for a bypass match, -1 for a proxy match; bypass is checked
	// first and wins when both match.
	score := 0
	if ip := net.ParseIP(host); ip != nil {
		if a.bypass.matchIP(ip) {
			score = 1
		} else if a.proxy.matchIP(ip) {
			score = -1
		}
	} else {
		if a.bypass.matchHost(normHost) {
			score = 1
		} else if a.proxy.matchHost(normHost) {
			score = -1
		}
	}

	switch {
	case score > 0:
		return Bypass
	case score < 0:
		return Proxy
	}

	if a.mode == BypassAll {
		return Bypass
	}
	return Proxy
}

// normalizeHost IDNA-normalizes host for matching, falling back to the
// raw string for inputs idna rejects (IP literals, malformed labels).
func normalizeHost(host string) string {
	norm, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return norm
}
