package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/metrics"
	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/reach"
)

const (
	// backoffBase, backoffFactor, and backoffCap mirror a doubling-with-cap
	// backoff-with-jitter shape used for per-destination retry delay,
	// retuned to the intervals in §4.4: base 60s, factor 2, capped at 15
	// minutes.
	backoffBase   = 60 * time.Second
	backoffFactor = 2.0
	backoffCap    = 15 * time.Minute
	// backoffJitter is the +/-20% jitter window from §4.4.
	backoffJitter = 0.2
)

// backoffFor returns the delay before the next attempt after attempts
// prior failures.
func backoffFor(attempts int) time.Duration {
	d := float64(backoffBase) * math.Pow(backoffFactor, float64(attempts))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(d * jitter)
}

// Sender is the subset of graphclient.Client the flusher needs; an
// interface so tests can substitute a fake without standing up a full
// Graph Client.
type Sender interface {
	SendMail(ctx context.Context, mailbox string, msg graphclient.OutboundMessage) error
}

// Flusher drains a Queue through a Sender whenever the Watcher reports
// Graph reachable, applying the retry/backoff policy from §4.4: one logical
// worker per queue, woken by triggers instead of polling tightly.
type Flusher struct {
	q       *Queue
	sender  Sender
	watcher *reach.Watcher
	log     *mlog.Logger

	wake chan struct{}
}

// NewFlusher builds a Flusher. Call Run in its own goroutine.
func NewFlusher(q *Queue, sender Sender, watcher *reach.Watcher, log *mlog.Logger) *Flusher {
	return &Flusher{
		q:       q,
		sender:  sender,
		watcher: watcher,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

// Kick wakes the flusher immediately, used by the SMTP engine right after
// an Enqueue so a newly unreachable-turned-reachable gap doesn't sit idle
// for the rest of a sleep interval.
func (fl *Flusher) Kick() {
	select {
	case fl.wake <- struct{}{}:
	default:
	}
}

// Run is the flusher's main loop. It blocks until ctx is canceled.
func (fl *Flusher) Run(ctx context.Context) {
	becameReachable := fl.watcher.Subscribe()
	for {
		if ctx.Err() != nil {
			return
		}
		if !fl.watcher.Reachable() {
			if !fl.sleepUntilWoken(ctx, becameReachable, 0) {
				return
			}
			continue
		}

		delay, did, err := fl.flushOne(ctx)
		if err != nil {
			fl.log.Errorx("flush attempt failed", err)
		}
		if !did {
			// Queue empty: sleep until a new enqueue or a reachability edge
			// wakes us.
			if !fl.sleepUntilWoken(ctx, becameReachable, 0) {
				return
			}
			continue
		}
		if delay > 0 {
			if !fl.sleepUntilWoken(ctx, becameReachable, delay) {
				return
			}
		}
	}
}

// sleepUntilWoken blocks until ctx is canceled, a became-reachable edge
// fires, Kick is called, or (if delay > 0) delay elapses. Returns false iff
// ctx was canceled.
func (fl *Flusher) sleepUntilWoken(ctx context.Context, becameReachable <-chan struct{}, delay time.Duration) bool {
	var timer *time.Timer
	var timerC <-chan time.Time
	if delay > 0 {
		timer = time.NewTimer(delay)
		timerC = timer.C
		defer timer.Stop()
	}
	select {
	case <-ctx.Done():
		return false
	case <-becameReachable:
		return true
	case <-fl.wake:
		return true
	case <-timerC:
		return true
	}
}

// flushOne claims and attempts exactly one entry, returning the backoff
// delay to honor before the next pass (zero if none is needed) and whether
// an entry was actually claimed.
func (fl *Flusher) flushOne(ctx context.Context) (time.Duration, bool, error) {
	f, ok, err := fl.q.Dequeue()
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}

	if fl.q.AlreadySent(f.entry) {
		fl.log.Infof("queue entry %s already delivered before a prior crash, discarding", f.entry.ID)
		metrics.QueueOutcomes.WithLabelValues("deduped").Inc()
		return 0, true, fl.q.Complete(f)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err = fl.sender.SendMail(sendCtx, f.entry.Mailbox, graphclient.OutboundMessage{
		From:    f.entry.From,
		To:      f.entry.To,
		Cc:      f.entry.Cc,
		Bcc:     f.entry.Bcc,
		RawMIME: f.entry.RawMIME,
	})
	cancel()

	switch graphclient.OutcomeOf(err) {
	case graphclient.OK:
		fl.log.Infof("queue entry %s delivered after %d attempt(s)", f.entry.ID, f.entry.Attempts+1)
		metrics.QueueOutcomes.WithLabelValues("sent").Inc()
		return 0, true, fl.q.Complete(f)
	case graphclient.Retryable:
		delay := backoffFor(f.entry.Attempts)
		fl.log.Warnf("queue entry %s retryable failure (attempt %d), backing off %s: %v", f.entry.ID, f.entry.Attempts+1, delay, err)
		metrics.QueueOutcomes.WithLabelValues("requeued").Inc()
		if rqErr := fl.q.Requeue(f, err); rqErr != nil {
			return 0, true, rqErr
		}
		return delay, true, nil
	case graphclient.Auth:
		// Authentication failures are not this entry's fault; leave it
		// pending and back off the same as a retryable failure so the
		// flusher doesn't spin while re-login is pending.
		delay := backoffFor(f.entry.Attempts)
		fl.log.Warnf("queue entry %s blocked on auth, backing off %s: %v", f.entry.ID, delay, err)
		metrics.QueueOutcomes.WithLabelValues("requeued").Inc()
		if rqErr := fl.q.Requeue(f, err); rqErr != nil {
			return 0, true, rqErr
		}
		return delay, true, nil
	default: // graphclient.Permanent
		fl.log.Errorx(fmt.Sprintf("queue entry %s permanently failed", f.entry.ID), err)
		metrics.QueueOutcomes.WithLabelValues("failed").Inc()
		return 0, true, fl.q.Fail(f, err)
	}
}
