// Package hostconfig parses OpenSSH-style per-host client configuration:
// Host entries with wildcard patterns,
// identity files with %-token substitution, and the matching precedence
// rules a client uses to resolve connection parameters.
package hostconfig

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/options"
)

// AllHostsPattern is the global-default pattern: it matches every host
// and contributes values only where a more specific entry did not.
const AllHostsPattern = "*"

// matchCacheSize bounds the per-Config host -> entry match cache.
const matchCacheSize = 512

// Entry is one Host block of a config file.
type Entry struct {
	// Patterns are the wildcard patterns following the Host keyword.
	// Multiple patterns on one line produce multiple entries sharing a
	// value body.
	Patterns []string

	HostName      string
	Port          int
	User          string
	IdentityFiles []string

	// Options carries every directive this package does not model as a
	// named field, keyed lower-case.
	Options map[string]string
}

// Overrides are the `-o` style settings applied on top of every resolved
// entry, plumbed through internal/options under the "host" namespace.
type Overrides struct {
	HostName     string `option:"hostname" help:"connect to this host instead of the one named on the command line"`
	Port         int    `option:"port" help:"connect to this port"`
	User         string `option:"user" help:"log in as this user"`
	IdentityFile string `option:"identityfile" help:"try this identity file first"`
}

func init() {
	options.Register("host", Overrides{})
}

// Config is a parsed host-configuration file.
type Config struct {
	entries []*Entry
	matches *lru.Cache[string, *Entry]
}

// PatternValid reports whether every character of pattern is
// alphanumeric or one of "-_.*?".
func PatternValid(pattern string) bool {
	if pattern == "" {
		return false
	}
	for _, r := range pattern {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '*' || r == '?':
		default:
			return false
		}
	}
	return true
}

// PatternMatch reports whether host matches pattern, case-insensitively:
// '*' matches any run of characters including the empty run, '?' matches
// exactly one character.
func PatternMatch(pattern, host string) bool {
	return matchFold(strings.ToLower(pattern), strings.ToLower(host))
}

func matchFold(pattern, host string) bool {
	// Iterative wildcard match with single backtrack point: the last
	// '*' seen and the host position it has consumed up to.
	pi, hi := 0, 0
	star, starH := -1, 0
	for hi < len(host) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == host[hi]):
			pi++
			hi++
		case pi < len(pattern) && pattern[pi] == '*':
			star, starH = pi, hi
			pi++
		case star >= 0:
			starH++
			pi, hi = star+1, starH
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// Parse reads a host-config file: one directive per line, `Host` begins
// a new entry, '#' introduces a comment, and multiple patterns on a Host
// line create multiple entries sharing the same value body.
func Parse(r io.Reader) (*Config, error) {
	matches, _ := lru.New[string, *Entry](matchCacheSize)
	cfg := &Config{matches: matches}

	var current []*Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")
		keyword = strings.ToLower(keyword)
		rest = strings.TrimSpace(rest)

		if keyword == "host" {
			current = current[:0]
			for _, pattern := range strings.Fields(rest) {
				if !PatternValid(pattern) {
					return nil, errors.Errorf("hostconfig: line %d: invalid pattern %q", lineNo, pattern)
				}
				e := &Entry{Patterns: []string{pattern}, Options: make(map[string]string)}
				cfg.entries = append(cfg.entries, e)
				current = append(current, e)
			}
			continue
		}
		if len(current) == 0 {
			return nil, errors.Errorf("hostconfig: line %d: %q before any Host entry", lineNo, keyword)
		}

		for _, e := range current {
			if err := e.apply(keyword, rest); err != nil {
				return nil, errors.Wrapf(err, "hostconfig: line %d", lineNo)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "hostconfig: read")
	}
	return cfg, nil
}

func (e *Entry) apply(keyword, value string) error {
	switch keyword {
	case "hostname":
		e.HostName = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return errors.Errorf("invalid port %q", value)
		}
		e.Port = port
	case "user":
		e.User = value
	case "identityfile":
		e.IdentityFiles = append(e.IdentityFiles, value)
	default:
		e.Options[keyword] = value
	}
	return nil
}

// specificity scores how precisely an entry's best pattern pins down a
// host: the count of literal (non-wildcard) characters. The global
// default scores zero.
func (e *Entry) specificity() int {
	best := -1
	for _, p := range e.Patterns {
		n := 0
		for _, r := range p {
			if r != '*' && r != '?' {
				n++
			}
		}
		if n > best {
			best = n
		}
	}
	return best
}

// Match reports whether any of the entry's patterns matches host.
func (e *Entry) Match(host string) bool {
	for _, p := range e.Patterns {
		if PatternMatch(p, host) {
			return true
		}
	}
	return false
}

// FindBestMatch returns the most specific entry matching host,
// independent of list order; nil if nothing matches. Results are
// memoized per host.
func (c *Config) FindBestMatch(host string) *Entry {
	if cached, ok := c.matches.Get(strings.ToLower(host)); ok {
		return cached
	}
	var best *Entry
	for _, e := range c.entries {
		if !e.Match(host) {
			continue
		}
		if best == nil || e.specificity() > best.specificity() {
			best = e
		}
	}
	if best != nil {
		c.matches.Add(strings.ToLower(host), best)
	}
	return best
}

// Resolve merges every matching entry for host, most specific first,
// with the AllHostsPattern entry contributing only values no more
// specific match set. Overrides from opts win over everything.
func (c *Config) Resolve(host string, opts options.Options) (*Entry, error) {
	merged := &Entry{Patterns: []string{host}, Options: make(map[string]string)}

	ordered := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Match(host) {
			ordered = append(ordered, e)
		}
	}
	// Stable selection: higher specificity contributes first; the file
	// order breaks ties.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].specificity() > ordered[j-1].specificity(); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, e := range ordered {
		if merged.HostName == "" {
			merged.HostName = e.HostName
		}
		if merged.Port == 0 {
			merged.Port = e.Port
		}
		if merged.User == "" {
			merged.User = e.User
		}
		merged.IdentityFiles = append(merged.IdentityFiles, e.IdentityFiles...)
		for k, v := range e.Options {
			if _, ok := merged.Options[k]; !ok {
				merged.Options[k] = v
			}
		}
	}

	if opts != nil {
		var ov Overrides
		if err := opts.Extract("host").Apply("host", &ov); err != nil {
			return nil, err
		}
		if ov.HostName != "" {
			merged.HostName = ov.HostName
		}
		if ov.Port != 0 {
			merged.Port = ov.Port
		}
		if ov.User != "" {
			merged.User = ov.User
		}
		if ov.IdentityFile != "" {
			merged.IdentityFiles = append([]string{ov.IdentityFile}, merged.IdentityFiles...)
		}
	}
	return merged, nil
}

// ResolvePort prefers the entry's port when it is positive.
func ResolvePort(original int, entry *Entry) int {
	if entry != nil && entry.Port > 0 {
		return entry.Port
	}
	return original
}

// ResolveUsername prefers the entry's user when it is non-empty.
func ResolveUsername(original string, entry *Entry) string {
	if entry != nil && entry.User != "" {
		return entry.User
	}
	return original
}

// TokenContext supplies the substitution values for identity-file
// %-tokens.
type TokenContext struct {
	Host      string
	Port      int
	User      string
	HomeDir   string
	LocalHost string
}

// ExpandTokens substitutes the %-tokens and the leading tilde of an
// identity-file path: %h (host), %p (port), %u and %r (user), %d (home
// directory), %l (local hostname), %% (literal percent). Substitution
// happens once, at resolution time.
func ExpandTokens(path string, ctx TokenContext) string {
	home := ctx.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if path == "~" {
		path = home
	} else if strings.HasPrefix(path, "~/") {
		path = filepath.Join(home, path[2:])
	}

	var out strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] != '%' || i+1 == len(path) {
			out.WriteByte(path[i])
			continue
		}
		i++
		switch path[i] {
		case '%':
			out.WriteByte('%')
		case 'h':
			out.WriteString(ctx.Host)
		case 'p':
			out.WriteString(strconv.Itoa(ctx.Port))
		case 'u', 'r':
			out.WriteString(ctx.User)
		case 'd':
			out.WriteString(home)
		case 'l':
			out.WriteString(ctx.LocalHost)
		default:
			out.WriteByte('%')
			out.WriteByte(path[i])
		}
	}
	return out.String()
}
