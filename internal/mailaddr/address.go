// Package mailaddr parses and compares the mail addresses that flow through
// SMTP MAIL FROM / RCPT TO: one small place that owns "what does a valid
// address look like here", kept apart from the protocol engines that call
// into it.
package mailaddr

import (
	"fmt"
	"strings"
)

// Address is a parsed local-part@domain pair. Local retains the
// case-preserving quoted form as submitted; LocalLower and Domain are
// normalized for comparisons.
type Address struct {
	Local      string
	LocalLower string
	Domain     string
}

func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// Parse splits a bracketed or bare address as used in SMTP MAIL/RCPT
// parameters and POP3/IMAP-adjacent contexts. It rejects empty local parts
// and addresses missing a domain.
func Parse(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("invalid address %q: missing local part or domain", raw)
	}
	local := s[:at]
	domain := s[at+1:]
	if strings.ContainsAny(domain, " \t") {
		return Address{}, fmt.Errorf("invalid address %q: malformed domain", raw)
	}
	return Address{
		Local:      local,
		LocalLower: strings.ToLower(local),
		Domain:     domain,
	}, nil
}

// SameMailbox reports whether two addresses refer to the same mailbox for
// the purposes of the MAIL FROM == authenticated-username check: the local
// part compares case-insensitively, the domain compares case-insensitively.
func SameMailbox(a, b Address) bool {
	return a.LocalLower == b.LocalLower && strings.EqualFold(a.Domain, b.Domain)
}

// SplitUsername splits a configured mailbox username (which may or may not
// include a domain) into an Address for comparison against a MAIL FROM
// value. A username without an "@" (or one that does not parse) becomes an
// Address with only the local part set and an empty Domain. SameMailbox
// never matches such an Address against a parsed MAIL FROM, because Parse
// always yields a non-empty domain, so a bare local-part username cannot
// pass the MAIL FROM check.
func SplitUsername(username string) Address {
	if !strings.Contains(username, "@") {
		return Address{Local: username, LocalLower: strings.ToLower(username)}
	}
	addr, err := Parse(username)
	if err != nil {
		return Address{Local: username, LocalLower: strings.ToLower(username)}
	}
	return addr
}
