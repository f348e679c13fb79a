package pop3server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/localmail/m365gateway/internal/config"
	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/mlog"
)

type fakeGraphFetcher struct {
	messages    []graphclient.MessageSummary
	mime        map[string][]byte
	markedRead  []string
	deleted     []string
	listErr     error
}

func (f *fakeGraphFetcher) ListMessages(ctx context.Context, mailbox, folder string) ([]graphclient.MessageSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.messages, nil
}

func (f *fakeGraphFetcher) FetchMIME(ctx context.Context, mailbox, id string) ([]byte, error) {
	return f.mime[id], nil
}

func (f *fakeGraphFetcher) MarkRead(ctx context.Context, mailbox, id string) error {
	f.markedRead = append(f.markedRead, id)
	return nil
}

func (f *fakeGraphFetcher) DeleteMessage(ctx context.Context, mailbox, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

type harness struct {
	t       *testing.T
	client  net.Conn
	reader  *bufio.Reader
	fetcher *fakeGraphFetcher
}

func newHarness(t *testing.T, fetcher *fakeGraphFetcher, mbox config.Mailbox) *harness {
	t.Helper()
	cfg := &config.Snapshot{Mailboxes: []config.Mailbox{mbox}}
	backend := &Backend{Config: cfg, Graph: fetcher, Log: mlog.NewStd("pop3", mlog.LevelError)}

	client, server := net.Pipe()
	sess := newSession(server, backend, nil, false)
	go sess.serve()
	t.Cleanup(func() { client.Close() })

	h := &harness{t: t, client: client, reader: bufio.NewReader(client), fetcher: fetcher}
	h.readLine() // banner
	return h
}

func (h *harness) send(line string) {
	h.client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.client.Write([]byte(line + "\r\n")); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) readLine() string {
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	if err != nil {
		h.t.Fatal(err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (h *harness) readMultiline() []string {
	var lines []string
	for {
		line := h.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

func (h *harness) login(username, password string) string {
	h.send("USER " + username)
	h.readLine()
	h.send("PASS " + password)
	return h.readLine()
}

func basicMailbox(t *testing.T) config.Mailbox {
	return config.Mailbox{Username: "alerts@example.com", PasswordHash: mustHash(t, "s3cret")}
}

func TestUserPassAuthSuccessAndFailure(t *testing.T) {
	fetcher := &fakeGraphFetcher{}
	h := newHarness(t, fetcher, basicMailbox(t))

	resp := h.login("alerts@example.com", "wrong")
	if !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("expected auth failure, got %q", resp)
	}

	resp = h.login("alerts@example.com", "s3cret")
	if !strings.HasPrefix(resp, "+OK") {
		t.Errorf("expected auth success, got %q", resp)
	}
}

func TestStatAndListReflectListing(t *testing.T) {
	fetcher := &fakeGraphFetcher{
		messages: []graphclient.MessageSummary{
			{ID: "m1", Size: 100},
			{ID: "m2", Size: 200},
		},
	}
	h := newHarness(t, fetcher, basicMailbox(t))
	if resp := h.login("alerts@example.com", "s3cret"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("login failed: %s", resp)
	}

	h.send("STAT")
	if resp := h.readLine(); resp != "+OK 2 300" {
		t.Errorf("STAT: got %q", resp)
	}

	h.send("LIST")
	h.readLine() // +OK n messages
	lines := h.readMultiline()
	if len(lines) != 2 || lines[0] != "1 100" || lines[1] != "2 200" {
		t.Errorf("LIST: got %v", lines)
	}
}

func TestRetrStreamsDotStuffedBody(t *testing.T) {
	fetcher := &fakeGraphFetcher{
		messages: []graphclient.MessageSummary{{ID: "m1", Size: 10}},
		mime:     map[string][]byte{"m1": []byte("Subject: hi\r\n\r\n.leading dot\r\nbody\r\n")},
	}
	h := newHarness(t, fetcher, basicMailbox(t))
	h.login("alerts@example.com", "s3cret")

	h.send("RETR 1")
	h.readLine() // +OK n octets
	lines := h.readMultiline()
	if len(lines) != 4 || lines[0] != "Subject: hi" || lines[1] != "" || lines[2] != "..leading dot" {
		t.Errorf("RETR: got %v", lines)
	}
}

func TestDeleAndQuitAppliesUpdates(t *testing.T) {
	fetcher := &fakeGraphFetcher{
		messages: []graphclient.MessageSummary{{ID: "m1", Size: 10}, {ID: "m2", Size: 20}},
	}
	mbox := basicMailbox(t)
	mbox.DeleteAfterFetch = true
	h := newHarness(t, fetcher, mbox)
	h.login("alerts@example.com", "s3cret")

	h.send("DELE 1")
	if resp := h.readLine(); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("DELE: %s", resp)
	}

	h.send("STAT")
	if resp := h.readLine(); resp != "+OK 1 20" {
		t.Errorf("STAT after DELE: got %q", resp)
	}

	h.send("QUIT")
	if resp := h.readLine(); !strings.HasPrefix(resp, "+OK") {
		t.Errorf("QUIT: got %q", resp)
	}

	if len(fetcher.markedRead) != 1 || fetcher.markedRead[0] != "m1" {
		t.Errorf("expected m1 marked read at QUIT, got %v", fetcher.markedRead)
	}
	if len(fetcher.deleted) != 1 || fetcher.deleted[0] != "m1" {
		t.Errorf("expected m1 deleted at QUIT, got %v", fetcher.deleted)
	}
}

func TestRsetClearsDeletionMarks(t *testing.T) {
	fetcher := &fakeGraphFetcher{
		messages: []graphclient.MessageSummary{{ID: "m1", Size: 10}},
	}
	h := newHarness(t, fetcher, basicMailbox(t))
	h.login("alerts@example.com", "s3cret")

	h.send("DELE 1")
	h.readLine()
	h.send("RSET")
	if resp := h.readLine(); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("RSET: %s", resp)
	}
	h.send("STAT")
	if resp := h.readLine(); resp != "+OK 1 10" {
		t.Errorf("STAT after RSET: got %q", resp)
	}
}

func TestCommandsRejectedBeforeAuthorization(t *testing.T) {
	fetcher := &fakeGraphFetcher{}
	h := newHarness(t, fetcher, basicMailbox(t))

	h.send("STAT")
	if resp := h.readLine(); !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("expected STAT before auth to be rejected, got %q", resp)
	}
}
