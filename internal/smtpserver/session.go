package smtpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-smtp"

	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/mailaddr"
	"github.com/localmail/m365gateway/internal/queue"
)

// graphCallTimeout bounds a direct (reachable) send attempt, per §5: Graph
// HTTP total 60s per call.
const graphCallTimeout = 60 * time.Second

// Session is one authenticated SMTP transaction, bound to exactly one
// configured mailbox for its whole lifetime (go-smtp creates a fresh
// Session per AUTH). Its Mail/Rcpt/Data sequence enforces mailbox/domain
// allowlist policy before handing an accepted message to dispatch.
type Session struct {
	backend       *Backend
	mailbox       string
	authenticated mailaddr.Address

	from  mailaddr.Address
	rcpts []mailaddr.Address
}

func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	addr, err := mailaddr.Parse(from)
	if err != nil {
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 7}, Message: fmt.Sprintf("malformed MAIL FROM: %v", err)}
	}
	if !mailaddr.SameMailbox(addr, s.authenticated) {
		return &smtp.SMTPError{Code: 553, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "MAIL FROM must match the authenticated mailbox"}
	}
	if opts.Size > 0 && int64(opts.Size) > s.backend.Config.AttachmentLimitBytes {
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "message size exceeds configured limit"}
	}
	s.from = addr
	s.rcpts = s.rcpts[:0]
	return nil
}

func (s *Session) Rcpt(to string) error {
	addr, err := mailaddr.Parse(to)
	if err != nil {
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: fmt.Sprintf("malformed RCPT TO: %v", err)}
	}
	if !s.backend.Config.DomainAllowed(addr.Domain) {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: fmt.Sprintf("domain %q is not in the allowed-recipients list", addr.Domain)}
	}
	s.rcpts = append(s.rcpts, addr)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "no valid recipients"}
	}

	limit := s.backend.Config.AttachmentLimitBytes
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("read DATA: %w", err)
	}
	if n > limit {
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "message exceeds configured attachment limit"}
	}

	final, err := stampReceived(buf.Bytes(), s.backend.Config.BindAddress)
	if err != nil {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: fmt.Sprintf("malformed message: %v", err)}
	}

	to := make([]string, len(s.rcpts))
	for i, a := range s.rcpts {
		to[i] = a.String()
	}

	msg := graphclient.OutboundMessage{
		From:    s.from.String(),
		To:      to,
		RawMIME: final,
	}

	return s.dispatch(msg)
}

// dispatch implements §4.5's delivery rule: send straight through the
// Graph Client when the watcher reports reachable, otherwise durably
// enqueue. A retryable failure on the direct path is itself handed to the
// queue rather than surfaced to the client, since our durability contract
// already covers retry once DATA has been accepted.
func (s *Session) dispatch(msg graphclient.OutboundMessage) error {
	if !s.backend.Watcher.Reachable() {
		return s.enqueue(msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), graphCallTimeout)
	defer cancel()
	err := s.backend.Graph.SendMail(ctx, s.mailbox, msg)

	switch graphclient.OutcomeOf(err) {
	case graphclient.OK:
		return nil
	case graphclient.Retryable, graphclient.Auth:
		s.backend.Log.Warnf("direct send failed (%v), falling back to queue: %v", graphclient.OutcomeOf(err), err)
		return s.enqueue(msg)
	default:
		return classifyReplyCode(err)
	}
}

func (s *Session) enqueue(msg graphclient.OutboundMessage) error {
	_, err := s.backend.Queue.Enqueue(queue.Entry{
		Mailbox: s.mailbox,
		From:    msg.From,
		To:      msg.To,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		RawMIME: msg.RawMIME,
	})
	if err != nil {
		return fmt.Errorf("enqueue for later delivery: %w", err)
	}
	if s.backend.Flusher != nil {
		s.backend.Flusher.Kick()
	}
	return nil
}

// stampReceived parses raw as a MIME entity (rejecting anything go-message
// can't make sense of as a header/body split, per §4.5's DATA validation)
// and rebuilds it with a Received header and, if absent, a Date header
// prepended. The header rebuild mirrors SessionLocal.Data's approach in
// other line-oriented mail gateways: re-serialize the parsed header fields
// rather than string-patch the raw bytes, then stream the body through
// unchanged.
func stampReceived(raw []byte, bindAddr string) ([]byte, error) {
	m, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("message.Read: %w", err)
	}

	m.Header.Add("Received", fmt.Sprintf("from unknown by m365gateway (%s); %s", bindAddr, time.Now().UTC().Format(time.RFC1123Z)))
	if !m.Header.Has("Date") {
		m.Header.Add("Date", time.Now().UTC().Format(time.RFC1123Z))
	}

	var out bytes.Buffer
	fields := m.Header.Fields()
	for fields.Next() {
		out.WriteString(fields.Key())
		out.WriteString(": ")
		out.WriteString(fields.Value())
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	if _, err := io.Copy(&out, m.Body); err != nil {
		return nil, fmt.Errorf("copy body: %w", err)
	}
	return out.Bytes(), nil
}

func (s *Session) Reset() {
	s.from = mailaddr.Address{}
	s.rcpts = s.rcpts[:0]
}

func (s *Session) Logout() error {
	return nil
}
