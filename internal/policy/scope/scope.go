// Package scope decides which discovered links belong to the crawl.
package scope

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Config restricts the crawl. The zero value admits every link.
type Config struct {
	// AllowedHosts admits a link when its host equals an entry or is a subdomain of it.
	// Empty admits every host.
	AllowedHosts []string
	// DenyPatterns rejects links whose URL matches any of these regular expressions.
	DenyPatterns []string
}

// Policy admits or rejects outbound links before they reach the frontier.
type Policy struct {
	hosts []string
	deny  []*regexp.Regexp
}

// New compiles cfg.
func New(cfg Config) (*Policy, error) {
	p := &Policy{}
	for _, h := range cfg.AllowedHosts {
		h = strings.Trim(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			p.hosts = append(p.hosts, h)
		}
	}
	for _, expr := range cfg.DenyPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", expr, err)
		}
		p.deny = append(p.deny, re)
	}
	return p, nil
}

// AllowLink reports whether rawURL is in scope.
func (p *Policy) AllowLink(rawURL string) bool {
	for _, re := range p.deny {
		if re.MatchString(rawURL) {
			return false
		}
	}
	if len(p.hosts) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range p.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
