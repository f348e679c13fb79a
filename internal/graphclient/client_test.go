package graphclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/tokenstore"
)

func newTestClient(t *testing.T, graphHandler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(graphHandler)
	t.Cleanup(srv.Close)

	prevBase := graphBaseURL
	graphBaseURL = srv.URL
	t.Cleanup(func() { graphBaseURL = prevBase })

	dir := t.TempDir()
	store, err := tokenstore.Open(filepath.Join(dir, "tokens.enc"), "alerts@t.onmicrosoft.com")
	if err != nil {
		t.Fatalf("tokenstore.Open: %v", err)
	}
	if err := store.Save(tokenstore.Bundle{
		AccessToken:  "initial-access-token",
		RefreshToken: "initial-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
		Account:      "alerts@t.onmicrosoft.com",
	}); err != nil {
		t.Fatalf("store.Save: %v", err)
	}

	c := &Client{
		httpClient: srv.Client(),
		store:      store,
		account:    "alerts@t.onmicrosoft.com",
		log:        mlog.NewStd("graph", mlog.LevelError),
	}
	return c, srv
}

func TestSendMailInlineSuccess(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/users/alerts@t.onmicrosoft.com/sendMail" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.SendMail(context.Background(), "alerts@t.onmicrosoft.com", OutboundMessage{
		Subject: "test",
		To:      []string{"dest@example.com"},
		RawMIME: []byte("Subject: test\r\n\r\nbody"),
	})
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}
	if gotAuth != "Bearer initial-access-token" {
		t.Errorf("got Authorization %q", gotAuth)
	}
}

func TestSendMailPermanentError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "ErrorInvalidRecipients", "message": "bad recipient"},
		})
	})

	err := c.SendMail(context.Background(), "alerts@t.onmicrosoft.com", OutboundMessage{
		RawMIME: []byte("x"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if OutcomeOf(err) != Permanent {
		t.Errorf("got outcome %v, want Permanent", OutcomeOf(err))
	}
}

func TestDoJSONRetriesOnceAfter401(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "refreshed-token",
				"refresh_token": "refreshed-refresh-token",
				"expires_in":    3600,
				"token_type":    "Bearer",
			})
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer refreshed-token" {
			t.Errorf("second attempt used Authorization %q", got)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	c.oauthCfg.Endpoint.TokenURL = srv.URL + "/token"

	err := c.SendMail(context.Background(), "alerts@t.onmicrosoft.com", OutboundMessage{RawMIME: []byte("x")})
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (401, token refresh, retry), got %d", calls)
	}
}

func TestListMessagesAndFetchMIME(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/alerts@t.onmicrosoft.com/mailFolders/Inbox/messages":
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]string{
					{"id": "msg-1", "receivedDateTime": "2026-08-01T00:00:00Z"},
				},
			})
		case r.URL.Path == "/users/alerts@t.onmicrosoft.com/messages/msg-1/$value":
			w.Write([]byte("Subject: hi\r\n\r\nhello"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	list, err := c.ListMessages(context.Background(), "alerts@t.onmicrosoft.com", "Inbox")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 1 || list[0].ID != "msg-1" {
		t.Fatalf("got %+v", list)
	}
	if list[0].Size == 0 {
		t.Errorf("expected fetched size to be populated")
	}

	mime, err := c.FetchMIME(context.Background(), "alerts@t.onmicrosoft.com", "msg-1")
	if err != nil {
		t.Fatalf("FetchMIME: %v", err)
	}
	if string(mime) != "Subject: hi\r\n\r\nhello" {
		t.Errorf("got %q", mime)
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	var sawPatch, sawDelete bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			sawPatch = true
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"isRead":true}` {
				t.Errorf("unexpected patch body %s", body)
			}
		case http.MethodDelete:
			sawDelete = true
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.MarkRead(context.Background(), "alerts@t.onmicrosoft.com", "msg-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := c.DeleteMessage(context.Background(), "alerts@t.onmicrosoft.com", "msg-1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if !sawPatch || !sawDelete {
		t.Errorf("sawPatch=%v sawDelete=%v", sawPatch, sawDelete)
	}
}
