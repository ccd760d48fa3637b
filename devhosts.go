package lensgate

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Rule is a single host matching rule in a HostScope.
type Rule struct {
	Pattern *regexp.Regexp // Compiled pattern matched against the hostname, port stripped
}

// HostScope decides which inbound hosts are development hosts. Development hosts are forwarded to
// over plain http, every other host over https. Exclusion rules win over inclusion rules, and
// loopback hosts are included unless excluded.
type HostScope struct {
	IncludeRules map[string]Rule // Key is the pattern source
	ExcludeRules map[string]Rule // Key is the pattern source
}

// NewHostScope creates a HostScope with no rules.
func NewHostScope() *HostScope {
	return &HostScope{
		IncludeRules: make(map[string]Rule),
		ExcludeRules: make(map[string]Rule),
	}
}

// AddRule adds a pattern to the scope. A leading "-" on the pattern makes it an exclusion rule,
// as does exclude.
func (s *HostScope) AddRule(pattern string, exclude bool) error {
	if strings.HasPrefix(pattern, "-") {
		exclude = true
	}
	trimmedPattern := strings.TrimPrefix(pattern, "-")
	compiled, err := regexp.Compile(trimmedPattern)
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	rule := Rule{Pattern: compiled}
	key := compiled.String()

	if exclude {
		if _, exists := s.ExcludeRules[key]; exists {
			return fmt.Errorf("rule already exists in exclude list")
		}
		s.ExcludeRules[key] = rule
	} else {
		if _, exists := s.IncludeRules[key]; exists {
			return fmt.Errorf("rule already exists in include list")
		}
		s.IncludeRules[key] = rule
	}
	return nil
}

// IsDevelopment reports whether host (with or without a port) is a development host.
func (s *HostScope) IsDevelopment(host string) bool {
	hostname := stripPort(host)

	for _, rule := range s.ExcludeRules {
		if rule.Pattern.MatchString(hostname) {
			return false
		}
	}

	if isLoopback(hostname) {
		return true
	}

	for _, rule := range s.IncludeRules {
		if rule.Pattern.MatchString(hostname) {
			return true
		}
	}
	return false
}

// isLoopback matches localhost, any *.localhost name and loopback IP literals.
func isLoopback(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	return ip != nil && ip.IsLoopback()
}

func stripPort(host string) string {
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		return hostname
	}
	return host
}
