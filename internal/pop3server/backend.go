// Package pop3server is the POP3/POP3S protocol engine (C6): it terminates
// RFC 1939 sessions (plus RFC 2595 STLS) with a hand-rolled, bufio-driven
// command loop, authenticates against the same mailbox allowlist as the
// SMTP engine, and backs the TRANSACTION-state commands onto the Graph
// Client's message-listing and fetch calls.
package pop3server

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/localmail/m365gateway/internal/config"
	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/mlog"
)

// GraphFetcher is the narrow slice of the Graph Client the POP3 engine
// needs. *graphclient.Client satisfies it in production; tests substitute a
// fake so session behavior can be verified without an HTTP round trip.
type GraphFetcher interface {
	ListMessages(ctx context.Context, mailbox, folder string) ([]graphclient.MessageSummary, error)
	FetchMIME(ctx context.Context, mailbox, messageID string) ([]byte, error)
	MarkRead(ctx context.Context, mailbox, messageID string) error
	DeleteMessage(ctx context.Context, mailbox, messageID string) error
}

// Backend holds the collaborators every POP3 session needs: the validated
// configuration snapshot (for the mailbox allowlist and folder selection)
// and the Graph Client. Unlike the SMTP Backend it carries no Queue/Watcher
// dependency — POP3 only reads, and a fetch failure while Graph is
// unreachable simply surfaces as -ERR, per §4.6.
type Backend struct {
	Config *config.Snapshot
	Graph  GraphFetcher
	Log    *mlog.Logger
}

// authenticate checks username/password against the mailbox allowlist, the
// same bcrypt comparison the SMTP engine performs.
func (b *Backend) authenticate(username, password string) (config.Mailbox, bool) {
	mbox, ok := b.Config.MailboxByUsername(username)
	if !ok {
		return config.Mailbox{}, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(mbox.PasswordHash), []byte(password)); err != nil {
		return config.Mailbox{}, false
	}
	return mbox, true
}
