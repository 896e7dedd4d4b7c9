package proxy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/torwache/torwache-srv/logger"
)

// Blocklist is an immutable set of lowercase domain names the proxy refuses
// to connect to. Matching is exact: no wildcards, no subdomain expansion,
// and the caller must pass the host component without a port.
//
// Lookups run against an Aho-Corasick trie with an exact-match confirmation,
// so a shared blocklist stays cheap for concurrent connections even when the
// domain file is large.
type Blocklist struct {
	trie    *ahocorasick.Trie
	domains []string
}

// NewBlocklist builds a blocklist from the given domains. Entries are
// trimmed and lower-cased; empty entries are dropped.
func NewBlocklist(domains []string) *Blocklist {
	cleaned := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			cleaned = append(cleaned, d)
		}
	}

	b := &Blocklist{domains: cleaned}
	if len(cleaned) > 0 {
		b.trie = ahocorasick.NewTrieBuilder().AddStrings(cleaned).Build()
	}
	return b
}

// LoadBlocklist reads a newline-delimited domain file. Blank lines are
// ignored. A missing file yields an empty blocklist, matching a deployment
// that has not configured any blocked domains yet.
func LoadBlocklist(filePath string) (*Blocklist, error) {
	cleanPath := filepath.Clean(filePath)
	file, err := os.Open(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Blocklist file %s not found, blocking nothing", filePath)
			return NewBlocklist(nil), nil
		}
		return nil, fmt.Errorf("failed to open blocklist file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing blocklist file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		domains = append(domains, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist file: %w", err)
	}

	logger.Info("Loaded %d blocked domains from %s", len(domains), filePath)
	return NewBlocklist(domains), nil
}

// IsBlocked reports whether domain is disallowed. The input must already be
// lower-cased with any port stripped.
func (b *Blocklist) IsBlocked(domain string) bool {
	if b == nil || b.trie == nil {
		return false
	}
	for _, match := range b.trie.MatchString(domain) {
		if b.domains[match.Pattern()] == domain {
			return true
		}
	}
	return false
}

// Len returns the number of blocked domains.
func (b *Blocklist) Len() int {
	return len(b.domains)
}
