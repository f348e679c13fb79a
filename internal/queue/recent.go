package queue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// recentWindow is the in-memory dedup window size from §4.4: 1024 entries.
const recentWindow = 1024

// recentSentLog is an append-only log of delivered-message fingerprints,
// rehydrated on startup so a crash between "Graph accepted" and "file
// removed" cannot cause a double-send: the fingerprint survives the crash
// even though the queue file's removal might not have.
type recentSentLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	set  map[string]bool
	// order tracks insertion order so the in-memory set can be trimmed to
	// recentWindow entries without unbounded growth across a long-running
	// process.
	order []string
}

func openRecentSentLog(dir string) (*recentSentLog, error) {
	path := filepath.Join(dir, ".recent-sent.log")
	r := &recentSentLog{path: path, set: make(map[string]bool)}

	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(nil, 1<<20)
		for scanner.Scan() {
			fp := scanner.Text()
			if fp == "" {
				continue
			}
			r.remember(fp)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read recent-sent log: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open recent-sent log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open recent-sent log for append: %w", err)
	}
	r.file = f
	return r, nil
}

func (r *recentSentLog) Seen(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set[fingerprint]
}

// Record appends fingerprint to the durable log and the in-memory set.
func (r *recentSentLog) Record(fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.WriteString(fingerprint + "\n"); err != nil {
		return fmt.Errorf("append recent-sent log: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("sync recent-sent log: %w", err)
	}
	r.remember(fingerprint)
	return nil
}

// remember inserts fingerprint into the bounded in-memory set, evicting the
// oldest entry once recentWindow is exceeded. Called with mu held, or
// during single-threaded startup rehydration.
func (r *recentSentLog) remember(fingerprint string) {
	if r.set[fingerprint] {
		return
	}
	r.set[fingerprint] = true
	r.order = append(r.order, fingerprint)
	if len(r.order) > recentWindow {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
}

func (r *recentSentLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
