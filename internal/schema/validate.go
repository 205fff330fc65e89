package schema

import (
	"net/mail"
	"regexp"
	"strings"
)

// fqdnPattern is deliberately permissive about TLD length — it accepts any
// label sequence of letters, digits and hyphens, which is what the
// synchronizers actually need to build file paths and zone records from.
var fqdnPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// dnsLabelPattern matches a single DNS label (used for usernames and short
// names, which must be safe to embed in a hostname or mailbox path).
var dnsLabelPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]{0,61}[a-z0-9])?$`)

// IsFQDN reports whether s is a syntactically valid fully-qualified domain
// name (the "fqdn_format" validator from spec.md §4.2).
func IsFQDN(s string) bool {
	return fqdnPattern.MatchString(s)
}

// IsDNSLabelSafe reports whether s is safe to use as a DNS label / mailbox
// path component: lowercase, starts with a letter, alphanumeric plus
// hyphens otherwise.
func IsDNSLabelSafe(s string) bool {
	return dnsLabelPattern.MatchString(s)
}

// IsEmail reports whether s is a syntactically valid RFC-5322 mailbox (the
// "email_format" validator from spec.md §4.2).
func IsEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	// mail.ParseAddress accepts "Name <addr>"; reject anything that isn't
	// exactly the bare address, since config files should never carry a
	// display name.
	return addr.Address == s
}

// IsValidPort reports whether p is in the usable TCP/UDP port range. Port 0
// is rejected — it is never a real binding, only a sentinel for
// "unallocated" in the port allocator.
func IsValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// IsValidProtocol reports whether proto is one of the protocols the port
// allocator and container supervisor understand.
func IsValidProtocol(proto string) bool {
	switch strings.ToLower(proto) {
	case "tcp", "udp":
		return true
	default:
		return false
	}
}

// UniqueStrings returns the values in vals that are duplicates of an
// earlier value (case-sensitive), used by unique_usernames and similar
// "no two records may share this key" validators.
func UniqueStrings(vals []string) []string {
	seen := make(map[string]bool, len(vals))
	var dupes []string
	for _, v := range vals {
		if seen[v] {
			dupes = append(dupes, v)
			continue
		}
		seen[v] = true
	}
	return dupes
}
