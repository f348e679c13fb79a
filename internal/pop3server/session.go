package pop3server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/localmail/m365gateway/internal/config"
)

// state is the session's position in RFC 1939's state machine, per §4.6.
type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
)

const (
	idleTimeout = 5 * time.Minute
	// dataTimeout bounds each Graph step of a session (the listing at login,
	// a RETR/TOP fetch, the UPDATE calls at QUIT), matching the SMTP
	// engine's per-call Graph budget.
	dataTimeout = 60 * time.Second
)

// entry is one message in the session's frozen listing, per §4.6.
type entry struct {
	index   int // 1-based, as POP3 clients expect
	id      string
	size    int64
	deleted bool
}

// session is one POP3 connection. It owns its own net.Conn, buffered
// reader/writer, and mutable listing state. The command loop is hand-rolled
// around a bufio.Reader rather than layered on a framework, since RFC
// 1939's command/response shape is simple enough that a small dispatch
// table is the idiomatic fit.
type session struct {
	backend *Backend
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	tlsConfig *tls.Config
	isTLS     bool

	state state

	username string
	mailbox  config.Mailbox

	// pendingMailbox holds the result of a successful AUTH callback until
	// the sasl.Server reports done, since go-sasl's authenticate callback
	// has no other channel back to the caller.
	pendingMailbox *config.Mailbox

	messages []entry
	fetched  map[string][]byte // messageID -> raw MIME, cached across RETR/TOP in one session
}

func newSession(conn net.Conn, backend *Backend, tlsConfig *tls.Config, startTLS bool) *session {
	_, isTLS := conn.(*tls.Conn)
	return &session{
		backend:   backend,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		tlsConfig: tlsConfig,
		isTLS:     isTLS || startTLS,
		fetched:   make(map[string][]byte),
	}
}

func (s *session) serve() {
	defer s.conn.Close()

	s.reply("+OK", "m365gateway POP3 ready")
	for {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		if !s.dispatch(strings.ToUpper(cmd), arg) {
			return
		}
	}
}

func splitCommand(line string) (cmd, arg string) {
	parts := strings.SplitN(line, " ", 2)
	cmd = parts[0]
	if len(parts) == 2 {
		arg = parts[1]
	}
	return
}

// dispatch runs one command and returns false when the session should
// close (QUIT, or a fatal protocol condition).
func (s *session) dispatch(cmd, arg string) bool {
	switch cmd {
	case "CAPA":
		s.handleCapa()
	case "USER":
		s.handleUser(arg)
	case "PASS":
		s.handlePass(arg)
	case "AUTH":
		s.handleAuth(arg)
	case "STLS":
		return s.handleSTLS()
	case "NOOP":
		s.reply("+OK", "")
	case "STAT":
		s.handleStat()
	case "LIST":
		s.handleList(arg)
	case "UIDL":
		s.handleUIDL(arg)
	case "RETR":
		s.handleRetr(arg)
	case "TOP":
		s.handleTop(arg)
	case "DELE":
		s.handleDele(arg)
	case "RSET":
		s.handleRset()
	case "QUIT":
		s.handleQuit()
		return false
	default:
		s.reply("-ERR", "unknown command")
	}
	return true
}

func (s *session) reply(status, message string) {
	if message == "" {
		fmt.Fprintf(s.writer, "%s\r\n", status)
	} else {
		fmt.Fprintf(s.writer, "%s %s\r\n", status, message)
	}
	s.writer.Flush()
}

func (s *session) requireState(want state) bool {
	if s.state != want {
		s.reply("-ERR", "command not valid in this state")
		return false
	}
	return true
}

func (s *session) handleCapa() {
	fmt.Fprint(s.writer, "+OK Capability list follows\r\n")
	fmt.Fprint(s.writer, "USER\r\n")
	fmt.Fprint(s.writer, "UIDL\r\n")
	fmt.Fprint(s.writer, "TOP\r\n")
	if s.tlsConfig != nil && !s.isTLS {
		fmt.Fprint(s.writer, "STLS\r\n")
	}
	fmt.Fprint(s.writer, "SASL PLAIN LOGIN\r\n")
	fmt.Fprint(s.writer, ".\r\n")
	s.writer.Flush()
}

func (s *session) handleUser(arg string) {
	if !s.requireState(stateAuthorization) {
		return
	}
	if arg == "" {
		s.reply("-ERR", "missing username")
		return
	}
	s.username = arg
	s.reply("+OK", "send PASS")
}

func (s *session) handlePass(arg string) {
	if !s.requireState(stateAuthorization) {
		return
	}
	if s.username == "" {
		s.reply("-ERR", "USER required first")
		return
	}
	mbox, ok := s.backend.authenticate(s.username, arg)
	if !ok {
		s.backend.Log.Warnf("pop3 auth failed for %q", s.username)
		s.reply("-ERR", "authentication failed")
		return
	}
	s.bindMailbox(mbox)
}

// handleAuth drives a go-sasl Server through its challenge/response cycle
// over the POP3 wire: base64-encoded continuation lines prefixed with "+ ",
// mirroring the mechanism the SMTP engine wires via go-smtp's EnableAuth,
// but framed by hand since POP3 AUTH has no framework layer here.
func (s *session) handleAuth(arg string) {
	if !s.requireState(stateAuthorization) {
		return
	}
	mech := strings.ToUpper(strings.TrimSpace(arg))

	var srv sasl.Server
	switch mech {
	case "PLAIN":
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return fmt.Errorf("identities are not supported")
			}
			mbox, ok := s.backend.authenticate(username, password)
			if !ok {
				return fmt.Errorf("authentication failed")
			}
			s.username = username
			s.pendingMailbox = &mbox
			return nil
		})
	case "LOGIN":
		srv = sasl.NewLoginServer(func(username, password string) error {
			mbox, ok := s.backend.authenticate(username, password)
			if !ok {
				return fmt.Errorf("authentication failed")
			}
			s.username = username
			s.pendingMailbox = &mbox
			return nil
		})
	default:
		s.reply("-ERR", "unsupported SASL mechanism")
		return
	}

	var response []byte
	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			s.reply("-ERR", "authentication failed")
			return
		}
		if done {
			break
		}
		fmt.Fprintf(s.writer, "+ %s\r\n", base64.StdEncoding.EncodeToString(challenge))
		s.writer.Flush()

		line, rerr := s.reader.ReadString('\n')
		if rerr != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "*" {
			s.reply("-ERR", "authentication cancelled")
			return
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			s.reply("-ERR", "invalid base64")
			return
		}
	}

	if s.pendingMailbox == nil {
		s.reply("-ERR", "authentication failed")
		return
	}
	s.bindMailbox(*s.pendingMailbox)
	s.pendingMailbox = nil
}

// bindMailbox finishes authentication: per §4.6, entering TRANSACTION means
// listing the mailbox's configured folder exactly once and freezing it for
// the rest of the session.
func (s *session) bindMailbox(mbox config.Mailbox) {
	s.mailbox = mbox

	ctx, cancel := context.WithTimeout(context.Background(), dataTimeout)
	defer cancel()
	summaries, err := s.backend.Graph.ListMessages(ctx, mbox.Username, mbox.Folder())
	if err != nil {
		s.backend.Log.Warnf("pop3 list failed for %q: %v", mbox.Username, err)
		s.reply("-ERR", "unable to list mailbox")
		return
	}

	s.messages = make([]entry, 0, len(summaries))
	for i, m := range summaries {
		s.messages = append(s.messages, entry{index: i + 1, id: m.ID, size: m.Size})
	}
	s.state = stateTransaction
	s.reply("+OK", fmt.Sprintf("%s's mailbox has %d messages", mbox.Username, len(s.messages)))
}

func (s *session) handleSTLS() bool {
	if s.tlsConfig == nil {
		s.reply("-ERR", "STLS not available")
		return true
	}
	if s.isTLS {
		s.reply("-ERR", "already using TLS")
		return true
	}
	s.reply("+OK", "begin TLS negotiation")
	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return false
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.isTLS = true
	// RFC 2595: STLS resets any USER/PASS state already supplied in the clear.
	s.username = ""
	return true
}

func (s *session) findEntry(arg string) (*entry, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.messages) {
		return nil, fmt.Errorf("no such message")
	}
	e := &s.messages[n-1]
	if e.deleted {
		return nil, fmt.Errorf("message %d already deleted", n)
	}
	return e, nil
}

func (s *session) handleStat() {
	if !s.requireState(stateTransaction) {
		return
	}
	var count int
	var total int64
	for _, e := range s.messages {
		if e.deleted {
			continue
		}
		count++
		total += e.size
	}
	s.reply("+OK", fmt.Sprintf("%d %d", count, total))
}

func (s *session) handleList(arg string) {
	if !s.requireState(stateTransaction) {
		return
	}
	if arg != "" {
		e, err := s.findEntry(arg)
		if err != nil {
			s.reply("-ERR", err.Error())
			return
		}
		s.reply("+OK", fmt.Sprintf("%d %d", e.index, e.size))
		return
	}
	fmt.Fprintf(s.writer, "+OK %d messages\r\n", s.liveCount())
	for _, e := range s.messages {
		if e.deleted {
			continue
		}
		fmt.Fprintf(s.writer, "%d %d\r\n", e.index, e.size)
	}
	fmt.Fprint(s.writer, ".\r\n")
	s.writer.Flush()
}

func (s *session) handleUIDL(arg string) {
	if !s.requireState(stateTransaction) {
		return
	}
	if arg != "" {
		e, err := s.findEntry(arg)
		if err != nil {
			s.reply("-ERR", err.Error())
			return
		}
		s.reply("+OK", fmt.Sprintf("%d %s", e.index, e.id))
		return
	}
	fmt.Fprintf(s.writer, "+OK\r\n")
	for _, e := range s.messages {
		if e.deleted {
			continue
		}
		fmt.Fprintf(s.writer, "%d %s\r\n", e.index, e.id)
	}
	fmt.Fprint(s.writer, ".\r\n")
	s.writer.Flush()
}

func (s *session) liveCount() int {
	n := 0
	for _, e := range s.messages {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (s *session) fetch(e *entry) ([]byte, error) {
	if raw, ok := s.fetched[e.id]; ok {
		return raw, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dataTimeout)
	defer cancel()
	raw, err := s.backend.Graph.FetchMIME(ctx, s.mailbox.Username, e.id)
	if err != nil {
		return nil, err
	}
	s.fetched[e.id] = raw

	if s.mailbox.MarkReadAfterFetch {
		if err := s.backend.Graph.MarkRead(ctx, s.mailbox.Username, e.id); err != nil {
			s.backend.Log.Warnf("pop3 mark-read-after-fetch failed for %s: %v", e.id, err)
		}
	}
	return raw, nil
}

func (s *session) handleRetr(arg string) {
	if !s.requireState(stateTransaction) {
		return
	}
	e, err := s.findEntry(arg)
	if err != nil {
		s.reply("-ERR", err.Error())
		return
	}
	raw, err := s.fetch(e)
	if err != nil {
		s.backend.Log.Warnf("pop3 RETR fetch failed: %v", err)
		s.reply("-ERR", "unable to fetch message")
		return
	}
	fmt.Fprintf(s.writer, "+OK %d octets\r\n", len(raw))
	if err := writeDotStuffed(s.writer, raw); err != nil {
		s.backend.Log.Warnf("pop3 RETR write failed: %v", err)
	}
	s.writer.Flush()
}

func (s *session) handleTop(arg string) {
	if !s.requireState(stateTransaction) {
		return
	}
	idxArg, nArg := splitCommand(arg)
	n, err := strconv.Atoi(nArg)
	if err != nil || n < 0 {
		s.reply("-ERR", "malformed TOP argument")
		return
	}
	e, err := s.findEntry(idxArg)
	if err != nil {
		s.reply("-ERR", err.Error())
		return
	}
	raw, err := s.fetch(e)
	if err != nil {
		s.backend.Log.Warnf("pop3 TOP fetch failed: %v", err)
		s.reply("-ERR", "unable to fetch message")
		return
	}
	top := topLines(raw, n)
	s.reply("+OK", "top of message follows")
	if err := writeDotStuffed(s.writer, top); err != nil {
		s.backend.Log.Warnf("pop3 TOP write failed: %v", err)
	}
	s.writer.Flush()
}

func (s *session) handleDele(arg string) {
	if !s.requireState(stateTransaction) {
		return
	}
	e, err := s.findEntry(arg)
	if err != nil {
		s.reply("-ERR", err.Error())
		return
	}
	e.deleted = true
	s.reply("+OK", fmt.Sprintf("message %d deleted", e.index))
}

func (s *session) handleRset() {
	if !s.requireState(stateTransaction) {
		return
	}
	for i := range s.messages {
		s.messages[i].deleted = false
	}
	s.reply("+OK", "deletion marks cleared")
}

// handleQuit enters UPDATE: marks read and, if configured, deletes every
// message marked for deletion. Per §4.6, UPDATE errors are logged but never
// block closing the connection — the client already considers the
// transaction committed.
func (s *session) handleQuit() {
	if s.state != stateTransaction {
		s.reply("+OK", "goodbye")
		return
	}
	s.state = stateUpdate

	ctx, cancel := context.WithTimeout(context.Background(), dataTimeout)
	defer cancel()
	for _, e := range s.messages {
		if !e.deleted {
			continue
		}
		if err := s.backend.Graph.MarkRead(ctx, s.mailbox.Username, e.id); err != nil {
			s.backend.Log.Warnf("pop3 QUIT mark-read failed for %s: %v", e.id, err)
		}
		if s.mailbox.DeleteAfterFetch {
			if err := s.backend.Graph.DeleteMessage(ctx, s.mailbox.Username, e.id); err != nil {
				s.backend.Log.Warnf("pop3 QUIT delete failed for %s: %v", e.id, err)
			}
		}
	}
	s.reply("+OK", "goodbye")
}
