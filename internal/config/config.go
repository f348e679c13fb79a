// Package config models the validated configuration snapshot handed to the
// core by its external collaborators (the CLI, the setup wizard, or any
// other loader). The core never parses configuration files itself — it only
// validates the decoded struct once at startup, the way a production
// service validates a value it was handed rather than re-deriving it.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Mailbox is one entry of the allowlist: the client-visible credentials plus
// the Graph-side behavior for that mailbox. Shared mailboxes and the
// upstream user's own mailbox are both represented uniformly here — the
// difference is which Graph calls end up using "Send As" semantics, decided
// by the Graph Client, not modeled as a distinct Go type.
type Mailbox struct {
	Username           string `json:"username"`
	PasswordHash       string `json:"password_hash"` // bcrypt
	SourceFolder       string `json:"source_folder,omitempty"`
	MarkReadAfterFetch bool   `json:"mark_read_after_fetch,omitempty"`
	DeleteAfterFetch   bool   `json:"delete_after_fetch,omitempty"`
}

// Folder returns the effective POP3 source folder, defaulting to "Inbox".
func (m Mailbox) Folder() string {
	if m.SourceFolder == "" {
		return "Inbox"
	}
	return m.SourceFolder
}

// Proxy describes an optional HTTPS forward proxy in front of Graph calls.
type Proxy struct {
	URL      string `json:"url"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// Ports enumerates the four optional listener ports. A zero value means the
// listener is disabled.
type Ports struct {
	SMTP  int `json:"smtp,omitempty"`
	SMTPS int `json:"smtps,omitempty"`
	POP3  int `json:"pop3,omitempty"`
	POP3S int `json:"pop3s,omitempty"`
}

// TLSMaterial is the certificate/key pair used for SMTPS/POP3S and for
// STARTTLS/STLS upgrades on the plaintext ports.
type TLSMaterial struct {
	CertPath string `json:"cert_path,omitempty"`
	KeyPath  string `json:"key_path,omitempty"`
}

func (t TLSMaterial) configured() bool {
	return t.CertPath != "" && t.KeyPath != ""
}

const (
	DefaultAttachmentLimitBytes = 80 * 1024 * 1024
	HardAttachmentCeilingBytes  = 150 * 1024 * 1024
)

// Snapshot is the immutable configuration for one process lifetime.
type Snapshot struct {
	UpstreamUserPrincipal string   `json:"upstream_user_principal"`
	OAuthClientID         string   `json:"oauth_client_id"`
	TenantID              string   `json:"tenant_id"`
	Proxy                 *Proxy   `json:"proxy,omitempty"`
	BindAddress           string   `json:"bind_address"`
	Ports                 Ports    `json:"ports"`
	TLS                   TLSMaterial `json:"tls"`
	Mailboxes             []Mailbox `json:"mailboxes"`
	AllowedDomains        []string  `json:"allowed_domains,omitempty"`
	AttachmentLimitBytes  int64     `json:"attachment_limit_bytes,omitempty"`
	QueueDir              string    `json:"queue_dir"`
	TokenFile             string    `json:"token_file"`
	LogPath               string   `json:"log_path,omitempty"`
	LogLevel               string   `json:"log_level,omitempty"`
}

// Validate checks every invariant named in the data model. It is called
// exactly once, at startup, by the process wiring in cmd/m365gatewayd.
func (s *Snapshot) Validate() error {
	if s.UpstreamUserPrincipal == "" {
		return fmt.Errorf("upstream_user_principal is required")
	}
	if s.OAuthClientID == "" {
		return fmt.Errorf("oauth_client_id is required")
	}
	if s.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address is required")
	}
	if s.QueueDir == "" {
		return fmt.Errorf("queue_dir is required")
	}
	if s.TokenFile == "" {
		return fmt.Errorf("token_file is required")
	}
	if len(s.Mailboxes) == 0 {
		return fmt.Errorf("at least one mailbox must be configured")
	}

	seen := map[string]bool{}
	for _, m := range s.Mailboxes {
		if m.Username == "" {
			return fmt.Errorf("mailbox entry missing username")
		}
		key := strings.ToLower(m.Username)
		if seen[key] {
			return fmt.Errorf("duplicate mailbox username %q", m.Username)
		}
		seen[key] = true
		if m.PasswordHash == "" {
			return fmt.Errorf("mailbox %q missing password_hash", m.Username)
		}
	}

	if err := s.validatePorts(); err != nil {
		return err
	}

	if s.AttachmentLimitBytes == 0 {
		s.AttachmentLimitBytes = DefaultAttachmentLimitBytes
	}
	if s.AttachmentLimitBytes > HardAttachmentCeilingBytes {
		return fmt.Errorf("attachment_limit_bytes %d exceeds hard ceiling %d", s.AttachmentLimitBytes, HardAttachmentCeilingBytes)
	}

	if s.tlsBearingPortsEnabled() && !s.TLS.configured() {
		return fmt.Errorf("tls.cert_path/key_path are required when any TLS-bearing port is enabled")
	}

	if s.Proxy != nil && s.Proxy.URL != "" {
		if _, err := url.Parse(s.Proxy.URL); err != nil {
			return fmt.Errorf("proxy.url invalid: %w", err)
		}
	}

	return nil
}

func (s *Snapshot) validatePorts() error {
	ports := map[string]int{}
	if s.Ports.SMTP != 0 {
		ports["smtp"] = s.Ports.SMTP
	}
	if s.Ports.SMTPS != 0 {
		ports["smtps"] = s.Ports.SMTPS
	}
	if s.Ports.POP3 != 0 {
		ports["pop3"] = s.Ports.POP3
	}
	if s.Ports.POP3S != 0 {
		ports["pop3s"] = s.Ports.POP3S
	}
	if len(ports) == 0 {
		return fmt.Errorf("at least one listener port must be configured")
	}
	if s.Ports.SMTP != 0 && s.Ports.SMTPS != 0 {
		return fmt.Errorf("only one of smtp/smtps may be set")
	}
	if s.Ports.POP3 != 0 && s.Ports.POP3S != 0 {
		return fmt.Errorf("only one of pop3/pop3s may be set")
	}
	seenPort := map[int]string{}
	for name, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("port %q value %d out of range", name, p)
		}
		if other, ok := seenPort[p]; ok {
			return fmt.Errorf("ports %q and %q both use %d; listener ports must be pairwise distinct", other, name, p)
		}
		seenPort[p] = name
	}
	return nil
}

func (s *Snapshot) tlsBearingPortsEnabled() bool {
	// SMTPS and POP3S always terminate TLS immediately. Plaintext SMTP/POP3
	// advertise STARTTLS/STLS whenever TLS material is present, so those
	// ports don't themselves force the requirement — but if a TLS-from-start
	// port is configured, material is mandatory.
	return s.Ports.SMTPS != 0 || s.Ports.POP3S != 0
}

// MailboxByUsername performs the case-insensitive lookup the SMTP/POP3
// engines need for AUTH.
func (s *Snapshot) MailboxByUsername(username string) (Mailbox, bool) {
	lower := strings.ToLower(username)
	for _, m := range s.Mailboxes {
		if strings.ToLower(m.Username) == lower {
			return m, true
		}
	}
	return Mailbox{}, false
}

// DomainAllowed reports whether a RCPT TO domain passes the allowlist. An
// empty allowlist means unrestricted, per the data model.
func (s *Snapshot) DomainAllowed(domain string) bool {
	if len(s.AllowedDomains) == 0 {
		return true
	}
	lower := strings.ToLower(domain)
	for _, d := range s.AllowedDomains {
		if strings.ToLower(d) == lower {
			return true
		}
	}
	return false
}
