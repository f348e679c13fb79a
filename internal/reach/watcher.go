// Package reach is the Reachability Watcher (C3): a single-goroutine
// periodic probe of the Graph endpoint that tracks reachable/unreachable
// state and notifies subscribers of became-reachable edges, so the queue
// flusher can wake promptly on reconnect instead of polling on a fixed
// interval.
package reach

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/localmail/m365gateway/internal/metrics"
	"github.com/localmail/m365gateway/internal/mlog"
)

const (
	// probeInterval is the steady-state interval between probes, per §4.3.
	probeInterval = 60 * time.Second
	// probeTimeout bounds a single probe request, per §5's timeouts.
	probeTimeout = 10 * time.Second
	// probeURL is a lightweight, unauthenticated Graph endpoint: any
	// response (even 401) proves the transport path to Graph is up, which
	// is all this watcher cares about.
	probeURL = "https://graph.microsoft.com/v1.0/$metadata"
)

// Watcher tracks whether Microsoft Graph is reachable over the network and
// fans out became-reachable edges to subscribers (the Queue flusher).
type Watcher struct {
	httpClient *http.Client
	log        *mlog.Logger

	// probeFunc performs one reachability check. Defaults to probe, which
	// hits probeURL; tests substitute their own to point at an httptest
	// server instead of the real Graph endpoint.
	probeFunc func(ctx context.Context) bool

	reachable atomic.Bool

	mu          sync.Mutex
	lastChange  time.Time
	subscribers []chan struct{}
}

// New creates a Watcher. It starts in the unreachable state until the first
// probe completes, so a cold-started gateway doesn't optimistically attempt
// direct sends before it knows anything about connectivity.
func New(httpClient *http.Client, log *mlog.Logger) *Watcher {
	w := &Watcher{
		httpClient: httpClient,
		log:        log,
		lastChange: time.Now(),
	}
	w.probeFunc = w.probe
	metrics.Reachable.Set(0)
	return w
}

// Reachable reports the watcher's current belief.
func (w *Watcher) Reachable() bool {
	return w.reachable.Load()
}

// ForceReachable overrides the current belief without waiting for a probe
// cycle. Production code has no legitimate reason to call this; it exists
// for tests that need a Watcher in a known state without running Run.
func (w *Watcher) ForceReachable(reachable bool) {
	w.reachable.Store(reachable)
}

// LastChange returns the monotonic timestamp of the most recent state
// transition.
func (w *Watcher) LastChange() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastChange
}

// Subscribe returns a channel that receives a value (non-blocking, best
// effort) every time the watcher transitions from unreachable to
// reachable. Callers (the Queue flusher) should select on it alongside
// their own wake conditions.
func (w *Watcher) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.mu.Unlock()
	return ch
}

// Run probes on probeInterval until ctx is canceled. It performs one probe
// immediately on entry so callers don't have to wait out a full interval
// before the first state is known.
func (w *Watcher) Run(ctx context.Context) {
	w.probeOnce(ctx)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probeOnce(ctx)
		}
	}
}

func (w *Watcher) probeOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, probeTimeout)
	defer cancel()

	ok := w.probeFunc(ctx)
	if ok {
		metrics.Reachable.Set(1)
	} else {
		metrics.Reachable.Set(0)
	}
	was := w.reachable.Swap(ok)
	if ok == was {
		return
	}

	w.mu.Lock()
	w.lastChange = time.Now()
	w.mu.Unlock()

	if ok {
		w.log.Infof("graph became reachable")
		w.notifySubscribers()
	} else {
		w.log.Warnf("graph became unreachable")
	}
}

func (w *Watcher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		// Any transport-level failure (DNS, connect, TLS, timeout) means
		// unreachable; an HTTP response of any status, even an error
		// status, proves the path is up.
		return false
	}
	resp.Body.Close()
	return true
}

func (w *Watcher) notifySubscribers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
