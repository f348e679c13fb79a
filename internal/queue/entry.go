// Package queue is the Outbound Queue (C4): a durable, file-based FIFO of
// mail accepted by SMTP while Graph is unreachable (or that Graph itself
// asked us to retry), guaranteeing no-loss at-most-once resend across
// restarts. Its on-disk layout uses the same create-temp-then-rename atomic
// write discipline as a filesystem-backed mail store, and its retry/backoff
// loop follows the same doubling-with-cap shape as a per-destination SMTP
// relay queue.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is one pending outbound message.
type Entry struct {
	ID         string    `json:"id"`
	Mailbox    string    `json:"mailbox"` // the authenticated envelope mailbox
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Cc         []string  `json:"cc,omitempty"`
	Bcc        []string  `json:"bcc,omitempty"`
	RawMIME    []byte    `json:"raw_mime"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// Fingerprint is the content-addressed identity of an Entry used for the
// recent-sent dedup window, per §4.4: SHA-256 over envelope sender, sorted
// recipients, and raw MIME.
func (e Entry) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.From))
	h.Write([]byte{0})
	recipients := append([]string{}, e.To...)
	recipients = append(recipients, e.Cc...)
	recipients = append(recipients, e.Bcc...)
	sort.Strings(recipients)
	h.Write([]byte(strings.Join(recipients, ",")))
	h.Write([]byte{0})
	h.Write(e.RawMIME)
	return hex.EncodeToString(h.Sum(nil))
}

// filename returns the lexicographically time-ordered on-disk name for a
// newly enqueued entry: a sortable timestamp prefix, a monotonic sequence
// number (so two entries enqueued within the same clock tick still sort in
// arrival order), and a uuid suffix to guarantee uniqueness.
func filename(t time.Time, seq int64) string {
	return fmt.Sprintf("%s-%020d-%s.msg", t.UTC().Format("20060102T150405.000000000"), seq, uuid.NewString())
}

func marshalEntry(e Entry) ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

func unmarshalEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return e, nil
}

func newEntryID() string {
	return uuid.NewString()
}
