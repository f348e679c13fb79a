// Package smtpserver is the SMTP/SMTPS protocol engine (C5): it terminates
// RFC 5321 SMTP sessions (plus RFC 3207 STARTTLS) on top of
// github.com/emersion/go-smtp, authenticates against the local mailbox
// allowlist, enforces the submission policy, and dispatches accepted mail
// either straight to the Graph Client or into the Outbound Queue. Its
// Backend/Session split and per-command checks follow a conventional
// go-smtp Backend/Session implementation, with mailbox/domain allowlist
// policy in place of address-level checks.
package smtpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"
	"golang.org/x/crypto/bcrypt"

	"github.com/localmail/m365gateway/internal/config"
	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/mailaddr"
	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/queue"
	"github.com/localmail/m365gateway/internal/reach"
)

// GraphSender is the narrow slice of the Graph Client the SMTP engine
// needs. *graphclient.Client satisfies it in production; tests substitute
// a fake so session behavior can be verified without an HTTP round trip.
type GraphSender interface {
	SendMail(ctx context.Context, mailbox string, msg graphclient.OutboundMessage) error
}

// Backend implements smtp.Backend against the validated configuration
// snapshot, one Graph Client (shared across all configured mailboxes,
// since they all act under the same upstream OAuth principal), the
// Reachability Watcher, and the Outbound Queue.
type Backend struct {
	Config  *config.Snapshot
	Graph   GraphSender
	Watcher *reach.Watcher
	Queue   *queue.Queue
	Flusher *queue.Flusher
	Log     *mlog.Logger
}

// Login authenticates username/password against the mailbox allowlist, per
// §4.5's AUTH requirement: MAIL FROM must equal the authenticated mailbox,
// so authentication binds the session to exactly one mailbox up front.
func (b *Backend) Login(_ *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	mbox, ok := b.Config.MailboxByUsername(username)
	if !ok {
		b.Log.Warnf("smtp auth failed: unknown mailbox %q", username)
		return nil, smtp.ErrAuthRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(mbox.PasswordHash), []byte(password)); err != nil {
		b.Log.Warnf("smtp auth failed: bad password for %q", username)
		return nil, smtp.ErrAuthRequired
	}
	addr := mailaddr.SplitUsername(mbox.Username)
	return &Session{backend: b, mailbox: mbox.Username, authenticated: addr}, nil
}

// AnonymousLogin always fails: this gateway is a submission relay for
// known mailboxes, not an open relay, so AUTH is mandatory.
func (b *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthRequired
}

// classifyReplyCode maps a Graph Permanent-outcome error to one of the
// conservative SMTP codes from §4.5's dispatch rule.
func classifyReplyCode(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "size") || strings.Contains(msg, "attachment"):
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: fmt.Sprintf("message too large: %v", err)}
	case strings.Contains(msg, "policy") || strings.Contains(msg, "recipient"):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: fmt.Sprintf("rejected by policy: %v", err)}
	default:
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 0, 0}, Message: fmt.Sprintf("transaction failed: %v", err)}
	}
}
