package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/localmail/m365gateway/internal/metrics"
)

const sendingSuffix = ".sending"

// Queue owns one directory of pending outbound entries shared by every
// configured mailbox (each Entry records its own Mailbox). The flusher
// (flusher.go) has exclusive mutation rights over it once running;
// Enqueue is the one operation the SMTP engine calls directly, using
// create-exclusive-by-construction filenames so no coordination is needed
// between the engines and the flusher.
type Queue struct {
	dir       string
	failedDir string
	recent    *recentSentLog
	seq       atomic.Int64

	mu sync.Mutex // serializes Dequeue/Complete/Requeue/Fail bookkeeping
}

// Open prepares dir (and dir/failed) and recovers any *.sending markers
// left behind by a process that crashed mid-flush, per §4.4's recovery
// guarantee: an in-flight entry is never lost, only retried.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir queue dir: %w", err)
	}
	failedDir := filepath.Join(dir, "failed")
	if err := os.MkdirAll(failedDir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir failed dir: %w", err)
	}

	recent, err := openRecentSentLog(dir)
	if err != nil {
		return nil, fmt.Errorf("open recent-sent log: %w", err)
	}

	q := &Queue{dir: dir, failedDir: failedDir, recent: recent}
	if err := q.recoverInFlight(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) recoverInFlight() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("read queue dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), sendingSuffix) {
			continue
		}
		pending := strings.TrimSuffix(de.Name(), sendingSuffix)
		if err := os.Rename(filepath.Join(q.dir, de.Name()), filepath.Join(q.dir, pending)); err != nil {
			return fmt.Errorf("recover in-flight entry %s: %w", de.Name(), err)
		}
	}
	return nil
}

// Enqueue durably persists e and returns its assigned id. It is safe to
// call concurrently with the flusher's Dequeue loop: the filename is chosen
// up front and written atomically, so the flusher either sees the complete
// file or doesn't see it at all.
func (q *Queue) Enqueue(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = newEntryID()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	data, err := marshalEntry(e)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	name := filename(e.EnqueuedAt, q.seq.Add(1))
	if err := atomicWriteFile(filepath.Join(q.dir, name), data); err != nil {
		return "", fmt.Errorf("write queue entry: %w", err)
	}
	return e.ID, nil
}

// Depth returns the number of pending (not in-flight, not failed) entries,
// used for the queue-depth metric.
func (q *Queue) Depth() (int, error) {
	names, err := q.pendingNames()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (q *Queue) pendingNames() ([]string, error) {
	des, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	var names []string
	for _, de := range des {
		if de.IsDir() || strings.HasSuffix(de.Name(), sendingSuffix) || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names) // filenames are timestamp-prefixed, so this is delivery order
	metrics.QueueDepth.Set(float64(len(names)))
	return names, nil
}

// inFlight pairs a claimed on-disk marker with the decoded Entry it holds,
// returned by Dequeue and consumed by exactly one of Complete/Requeue/Fail.
type inFlight struct {
	markerPath string
	entry      Entry
}

// Dequeue claims the single oldest pending entry by renaming it to a
// *.sending marker, enforcing the "cap of one in-flight entry at a time"
// invariant from §4.4: callers must fully resolve (Complete/Requeue/Fail)
// the returned inFlight before calling Dequeue again. Returns ok=false if
// the queue is empty.
func (q *Queue) Dequeue() (inFlight, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.pendingNames()
	if err != nil {
		return inFlight{}, false, err
	}
	if len(names) == 0 {
		return inFlight{}, false, nil
	}

	pendingPath := filepath.Join(q.dir, names[0])
	markerPath := pendingPath + sendingSuffix
	if err := os.Rename(pendingPath, markerPath); err != nil {
		return inFlight{}, false, fmt.Errorf("mark entry in-flight: %w", err)
	}

	data, err := os.ReadFile(markerPath)
	if err != nil {
		return inFlight{}, false, fmt.Errorf("read in-flight entry: %w", err)
	}
	e, err := unmarshalEntry(data)
	if err != nil {
		return inFlight{}, false, err
	}
	return inFlight{markerPath: markerPath, entry: e}, true, nil
}

// AlreadySent reports whether e's fingerprint is in the recent-sent window,
// used by the flusher to silently drop a redundant retry of a message
// Graph already accepted before a crash removed the queue file.
func (q *Queue) AlreadySent(e Entry) bool {
	return q.recent.Seen(e.Fingerprint())
}

// Complete removes f's on-disk marker and records its fingerprint as sent.
func (q *Queue) Complete(f inFlight) error {
	if err := q.recent.Record(f.entry.Fingerprint()); err != nil {
		return err
	}
	if err := os.Remove(f.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove completed entry: %w", err)
	}
	return nil
}

// Requeue rewrites f's entry with an incremented attempt count and the
// latest error, then renames it back to pending so the next flush pass
// picks it up again after the caller's backoff delay.
func (q *Queue) Requeue(f inFlight, lastErr error) error {
	f.entry.Attempts++
	if lastErr != nil {
		f.entry.LastError = lastErr.Error()
	}
	data, err := marshalEntry(f.entry)
	if err != nil {
		return fmt.Errorf("marshal requeued entry: %w", err)
	}
	if err := os.WriteFile(f.markerPath, data, 0o600); err != nil {
		return fmt.Errorf("rewrite requeued entry: %w", err)
	}
	pendingPath := strings.TrimSuffix(f.markerPath, sendingSuffix)
	if err := os.Rename(f.markerPath, pendingPath); err != nil {
		return fmt.Errorf("requeue entry: %w", err)
	}
	return nil
}

// Fail rewrites f's entry with the permanent error and moves it into
// failed/, out of the flusher's pickup path for good.
func (q *Queue) Fail(f inFlight, cause error) error {
	if cause != nil {
		f.entry.LastError = cause.Error()
	}
	data, err := marshalEntry(f.entry)
	if err != nil {
		return fmt.Errorf("marshal failed entry: %w", err)
	}
	dest := filepath.Join(q.failedDir, filepath.Base(strings.TrimSuffix(f.markerPath, sendingSuffix)))
	if err := atomicWriteFile(dest, data); err != nil {
		return fmt.Errorf("write failed entry: %w", err)
	}
	if err := os.Remove(f.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove in-flight marker after fail: %w", err)
	}
	return nil
}

// Close releases the recent-sent log handle.
func (q *Queue) Close() error {
	return q.recent.Close()
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	tmpPath = ""

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
