package reach

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/localmail/m365gateway/internal/mlog"
)

func TestProbeOnceTransitionsAndNotifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := New(srv.Client(), mlog.NewStd("reach", mlog.LevelError))
	probeURLOverride := srv.URL
	w.probeFunc = func(ctx context.Context) bool {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, probeURLOverride, nil)
		resp, err := w.httpClient.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}

	sub := w.Subscribe()

	if w.Reachable() {
		t.Fatal("expected to start unreachable")
	}

	w.probeOnce(context.Background())
	if !w.Reachable() {
		t.Fatal("expected reachable after successful probe")
	}

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("expected a became-reachable notification")
	}
}

func TestProbeUnreachableOnTransportFailure(t *testing.T) {
	w := New(&http.Client{Timeout: time.Millisecond}, mlog.NewStd("reach", mlog.LevelError))
	w.probeFunc = func(ctx context.Context) bool { return false }
	w.probeOnce(context.Background())
	if w.Reachable() {
		t.Fatal("expected unreachable")
	}
}
