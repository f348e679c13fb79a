package graphclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
)

// MessageSummary is one entry of a listing, carrying just enough to build
// the POP3 engine's frozen session list (index assignment happens at the
// call site, not here).
type MessageSummary struct {
	ID               string
	Size             int64
	ReceivedDateTime string
}

const listPageSize = 100

// ListMessages returns every message in folder for mailbox, newest first,
// requesting $top-sized pages and following @odata.nextLink until
// exhausted. The POP3 engine calls this exactly once per session, on
// entering TRANSACTION, and freezes the result for the rest of the session
// per §4.6.
func (c *Client) ListMessages(ctx context.Context, mailbox, folder string) ([]MessageSummary, error) {
	var out []MessageSummary
	path := fmt.Sprintf("/users/%s/mailFolders/%s/messages?$select=id,receivedDateTime&$top=%d&$orderby=receivedDateTime%%20desc",
		url.PathEscape(mailbox), url.PathEscape(folder), listPageSize)

	for path != "" {
		resp, err := c.doJSON(ctx, "GET", path, nil, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Value []struct {
				ID               string `json:"id"`
				ReceivedDateTime string `json:"receivedDateTime"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode message list page: %w", decodeErr)
		}
		for _, m := range page.Value {
			out = append(out, MessageSummary{ID: m.ID, ReceivedDateTime: m.ReceivedDateTime})
		}
		path = page.NextLink
	}

	if err := c.fillSizes(ctx, mailbox, out); err != nil {
		return nil, err
	}
	return out, nil
}

// fillSizes fetches the raw MIME size for each summary. Graph's $select
// does not expose a reliable byte-size field on messages ahead of fetching
// the MIME body, so POP3 STAT/LIST sizes are measured the same way RETR
// fetches the body: via $value.
func (c *Client) fillSizes(ctx context.Context, mailbox string, summaries []MessageSummary) error {
	for i := range summaries {
		mime, err := c.FetchMIME(ctx, mailbox, summaries[i].ID)
		if err != nil {
			return err
		}
		summaries[i].Size = int64(len(mime))
	}
	return nil
}

// FetchMIME downloads the raw RFC 5322 message body, used for POP3 RETR
// and TOP.
func (c *Client) FetchMIME(ctx context.Context, mailbox, messageID string) ([]byte, error) {
	path := fmt.Sprintf("/users/%s/messages/%s/$value", url.PathEscape(mailbox), url.PathEscape(messageID))
	resp, err := c.doJSON(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}
	return data, nil
}

// MarkRead sets isRead=true on messageID. The POP3 engine calls it when a
// message is first fetched (RETR/TOP) for a mailbox configured with
// mark_read_after_fetch, and at QUIT for every message marked with DELE.
func (c *Client) MarkRead(ctx context.Context, mailbox, messageID string) error {
	body, err := json.Marshal(map[string]any{"isRead": true})
	if err != nil {
		return fmt.Errorf("marshal mark-read request: %w", err)
	}
	path := fmt.Sprintf("/users/%s/messages/%s", url.PathEscape(mailbox), url.PathEscape(messageID))
	resp, err := c.doJSON(ctx, "PATCH", path, body, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteMessage removes messageID, used by POP3 UPDATE-state deletions for
// mailboxes configured with delete_after_fetch (or explicit DELE, if the
// data model later grows per-message deletion — currently POP3 engine-side
// DELE just marks and this is invoked at QUIT for marked entries).
func (c *Client) DeleteMessage(ctx context.Context, mailbox, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s", url.PathEscape(mailbox), url.PathEscape(messageID))
	resp, err := c.doJSON(ctx, "DELETE", path, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
