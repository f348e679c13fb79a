package queue

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/reach"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fn    func(attempt int, msg graphclient.OutboundMessage) error
}

func (f *fakeSender) SendMail(ctx context.Context, mailbox string, msg graphclient.OutboundMessage) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, msg)
}

func newReachableWatcher(t *testing.T) *reach.Watcher {
	t.Helper()
	w := reach.New(&http.Client{}, mlog.NewStd("reach", mlog.LevelError))
	w.ForceReachable(true)
	return w
}

func TestFlusherDeliversOnSuccess(t *testing.T) {
	q, _ := mustOpen(t)
	if _, err := q.Enqueue(Entry{Mailbox: "a", From: "a@x", To: []string{"b@y"}, RawMIME: []byte("hi")}); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{fn: func(attempt int, msg graphclient.OutboundMessage) error { return nil }}
	w := newReachableWatcher(t)
	fl := NewFlusher(q, sender, w, mlog.NewStd("queue", mlog.LevelError))

	delay, did, err := fl.flushOne(context.Background())
	if err != nil || !did {
		t.Fatalf("flushOne: did=%v err=%v", did, err)
	}
	if delay != 0 {
		t.Errorf("expected zero delay after success, got %v", delay)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("expected queue drained, depth=%d", depth)
	}
}

func TestFlusherRequeuesOnRetryable(t *testing.T) {
	q, _ := mustOpen(t)
	if _, err := q.Enqueue(Entry{Mailbox: "a", From: "a@x", To: []string{"b@y"}, RawMIME: []byte("hi")}); err != nil {
		t.Fatal(err)
	}

	retryErr := graphclient.NewError(graphclient.Retryable, "rate limited")
	sender := &fakeSender{fn: func(attempt int, msg graphclient.OutboundMessage) error { return retryErr }}
	w := newReachableWatcher(t)
	fl := NewFlusher(q, sender, w, mlog.NewStd("queue", mlog.LevelError))

	delay, did, err := fl.flushOne(context.Background())
	if err != nil || !did {
		t.Fatalf("flushOne: did=%v err=%v", did, err)
	}
	if delay <= 0 {
		t.Errorf("expected positive backoff delay, got %v", delay)
	}
	depth, _ := q.Depth()
	if depth != 1 {
		t.Errorf("expected entry back in pending, depth=%d", depth)
	}
}

func TestFlusherFailsOnPermanent(t *testing.T) {
	q, dir := mustOpen(t)
	if _, err := q.Enqueue(Entry{Mailbox: "a", From: "a@x", To: []string{"b@y"}, RawMIME: []byte("hi")}); err != nil {
		t.Fatal(err)
	}

	permErr := graphclient.NewError(graphclient.Permanent, "invalid recipient")
	sender := &fakeSender{fn: func(attempt int, msg graphclient.OutboundMessage) error { return permErr }}
	w := newReachableWatcher(t)
	fl := NewFlusher(q, sender, w, mlog.NewStd("queue", mlog.LevelError))

	_, did, err := fl.flushOne(context.Background())
	if err != nil || !did {
		t.Fatalf("flushOne: did=%v err=%v", did, err)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("expected permanent failure removed from pending, depth=%d", depth)
	}
	des, err := os.ReadDir(filepath.Join(dir, "failed"))
	if err != nil {
		t.Fatal(err)
	}
	if len(des) != 1 {
		t.Errorf("expected one entry under failed/, got %d", len(des))
	}
}

func TestFlusherSkipsAlreadySentFingerprint(t *testing.T) {
	q, _ := mustOpen(t)
	entry := Entry{Mailbox: "a", From: "a@x", To: []string{"b@y"}, RawMIME: []byte("hi")}
	if _, err := q.Enqueue(entry); err != nil {
		t.Fatal(err)
	}

	// Pretend a previous process already delivered this exact content and
	// crashed before removing the file.
	f, ok, err := q.Dequeue()
	if err != nil || !ok {
		t.Fatal(err)
	}
	if err := q.recent.Record(f.entry.Fingerprint()); err != nil {
		t.Fatal(err)
	}
	if err := q.Requeue(f, nil); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{fn: func(attempt int, msg graphclient.OutboundMessage) error {
		t.Fatal("SendMail should not be called for an already-sent fingerprint")
		return nil
	}}
	w := newReachableWatcher(t)
	fl := NewFlusher(q, sender, w, mlog.NewStd("queue", mlog.LevelError))

	_, did, err := fl.flushOne(context.Background())
	if err != nil || !did {
		t.Fatalf("flushOne: did=%v err=%v", did, err)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("expected dedup-skipped entry removed, depth=%d", depth)
	}
}

func TestBackoffForGrowsAndCaps(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 0; attempts < 10; attempts++ {
		d := backoffFor(attempts)
		if d <= 0 {
			t.Fatalf("backoffFor(%d) = %v, want positive", attempts, d)
		}
		if d > backoffCap+backoffCap/2 {
			t.Fatalf("backoffFor(%d) = %v exceeds cap by too much", attempts, d)
		}
		// Below 80% of the cap the jitter windows of consecutive attempts
		// cannot overlap (0.8*2x > 1.2*x), so each delay must exceed the last.
		if attempts > 0 && d < backoffCap*8/10 && d <= prev {
			t.Fatalf("backoffFor(%d) = %v did not grow from %v", attempts, d, prev)
		}
		prev = d
	}
}

