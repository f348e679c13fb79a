package smtpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"golang.org/x/crypto/bcrypt"

	"github.com/localmail/m365gateway/internal/config"
	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/mailaddr"
	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/queue"
	"github.com/localmail/m365gateway/internal/reach"
)

type fakeGraphSender struct {
	calls   int
	err     error
	lastMsg graphclient.OutboundMessage
}

func (f *fakeGraphSender) SendMail(ctx context.Context, mailbox string, msg graphclient.OutboundMessage) error {
	f.calls++
	f.lastMsg = msg
	return f.err
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func testBackend(t *testing.T, sender GraphSender, reachable bool) *Backend {
	t.Helper()
	cfg := &config.Snapshot{
		BindAddress:          "localhost",
		AttachmentLimitBytes: 1024,
		AllowedDomains:       []string{"example.com"},
		Mailboxes: []config.Mailbox{
			{Username: "alerts@example.com", PasswordHash: mustHash(t, "s3cret")},
		},
	}
	q, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	w := reach.New(nil, mlog.NewStd("reach", mlog.LevelError))
	w.ForceReachable(reachable)

	return &Backend{
		Config:  cfg,
		Graph:   sender,
		Watcher: w,
		Queue:   q,
		Log:     mlog.NewStd("smtp", mlog.LevelError),
	}
}

func TestLoginSuccessAndFailure(t *testing.T) {
	b := testBackend(t, &fakeGraphSender{}, true)

	if _, err := b.Login(nil, "alerts@example.com", "s3cret"); err != nil {
		t.Fatalf("expected login to succeed, got %v", err)
	}
	if _, err := b.Login(nil, "alerts@example.com", "wrong"); err == nil {
		t.Error("expected login with bad password to fail")
	}
	if _, err := b.Login(nil, "nobody@example.com", "s3cret"); err == nil {
		t.Error("expected login for unknown mailbox to fail")
	}
}

func TestAnonymousLoginAlwaysFails(t *testing.T) {
	b := testBackend(t, &fakeGraphSender{}, true)
	if _, err := b.AnonymousLogin(nil); err == nil {
		t.Error("expected anonymous login to be rejected")
	}
}

func loggedInSession(t *testing.T, b *Backend) *Session {
	t.Helper()
	s, err := b.Login(nil, "alerts@example.com", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	return s.(*Session)
}

func TestMailRejectsMismatchedFrom(t *testing.T) {
	b := testBackend(t, &fakeGraphSender{}, true)
	s := loggedInSession(t, b)

	if err := s.Mail("someoneelse@example.com", smtp.MailOptions{}); err == nil {
		t.Error("expected MAIL FROM mismatch to be rejected")
	}
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Errorf("expected matching MAIL FROM to be accepted, got %v", err)
	}
}

func TestMailRejectsOversizeAnnouncement(t *testing.T) {
	b := testBackend(t, &fakeGraphSender{}, true)
	s := loggedInSession(t, b)

	err := s.Mail("alerts@example.com", smtp.MailOptions{Size: 10 * 1024})
	if err == nil {
		t.Fatal("expected oversize SIZE= announcement to be rejected")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok || smtpErr.Code != 552 {
		t.Errorf("expected 552, got %v", err)
	}
}

func TestRcptEnforcesDomainAllowlist(t *testing.T) {
	b := testBackend(t, &fakeGraphSender{}, true)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := s.Rcpt("someone@other.com"); err == nil {
		t.Error("expected recipient outside allowlist to be rejected")
	}
	if err := s.Rcpt("someone@example.com"); err != nil {
		t.Errorf("expected allowed recipient to be accepted, got %v", err)
	}
}

func TestDataDispatchesDirectWhenReachable(t *testing.T) {
	sender := &fakeGraphSender{}
	b := testBackend(t, sender, true)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rcpt("someone@example.com"); err != nil {
		t.Fatal(err)
	}

	if err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if sender.calls != 1 {
		t.Errorf("expected one direct SendMail call, got %d", sender.calls)
	}
	if depth, _ := b.Queue.Depth(); depth != 0 {
		t.Errorf("expected nothing enqueued on direct success, depth=%d", depth)
	}
}

func TestDataEnqueuesWhenUnreachable(t *testing.T) {
	sender := &fakeGraphSender{}
	b := testBackend(t, sender, false)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rcpt("someone@example.com"); err != nil {
		t.Fatal(err)
	}

	if err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if sender.calls != 0 {
		t.Errorf("expected no direct SendMail call while unreachable, got %d", sender.calls)
	}
	if depth, _ := b.Queue.Depth(); depth != 1 {
		t.Errorf("expected message enqueued, depth=%d", depth)
	}
}

func TestDataFallsBackToQueueOnRetryableError(t *testing.T) {
	sender := &fakeGraphSender{err: graphclient.NewError(graphclient.Retryable, "rate limited")}
	b := testBackend(t, sender, true)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rcpt("someone@example.com"); err != nil {
		t.Fatal(err)
	}

	if err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if depth, _ := b.Queue.Depth(); depth != 1 {
		t.Errorf("expected message enqueued after retryable direct failure, depth=%d", depth)
	}
}

func TestDataRejectsOnPermanentError(t *testing.T) {
	sender := &fakeGraphSender{err: graphclient.NewError(graphclient.Permanent, "recipient rejected by policy")}
	b := testBackend(t, sender, true)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rcpt("someone@example.com"); err != nil {
		t.Fatal(err)
	}

	err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected permanent Graph error to surface as an SMTP rejection")
	}
	if depth, _ := b.Queue.Depth(); depth != 0 {
		t.Errorf("expected nothing enqueued on permanent rejection, depth=%d", depth)
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok || smtpErr.Code != 550 {
		t.Errorf("expected 550 for a policy rejection, got %v", err)
	}
}

func TestDataRejectsWithNoRecipients(t *testing.T) {
	b := testBackend(t, &fakeGraphSender{}, true)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err == nil {
		t.Error("expected DATA with no RCPT to be rejected")
	}
}

func TestDataStampsReceivedHeader(t *testing.T) {
	sender := &fakeGraphSender{}
	b := testBackend(t, sender, true)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rcpt("someone@example.com"); err != nil {
		t.Fatal(err)
	}

	if err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected exactly one SendMail call, got %d", sender.calls)
	}
	if !strings.Contains(string(sender.lastMsg.RawMIME), "Received:") {
		t.Error("expected outbound message to carry a stamped Received header")
	}
	if !strings.Contains(string(sender.lastMsg.RawMIME), "Date:") {
		t.Error("expected outbound message to carry a Date header when the client didn't supply one")
	}
}

func TestResetClearsTransactionState(t *testing.T) {
	b := testBackend(t, &fakeGraphSender{}, true)
	s := loggedInSession(t, b)
	if err := s.Mail("alerts@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rcpt("someone@example.com"); err != nil {
		t.Fatal(err)
	}

	s.Reset()
	if (s.from != mailaddr.Address{}) {
		t.Error("expected Reset to clear from address")
	}
	if len(s.rcpts) != 0 {
		t.Error("expected Reset to clear recipients")
	}
}
