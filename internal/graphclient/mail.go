package graphclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
)

// uploadChunkSize is the attachment range size for the chunked upload path,
// carried from the original's graph_api.py large-mail path: 4 MiB.
const uploadChunkSize = 4 * 1024 * 1024

// largeMailThreshold is the point above which SendMail switches from the
// inline sendMail call (which Graph caps around 3 MiB of base64 payload) to
// the draft-plus-chunked-upload-plus-send sequence.
const largeMailThreshold = 3 * 1024 * 1024

// Attachment is a single MIME attachment destined for Graph's createUpload
// path or the inline attachments array.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// OutboundMessage is the envelope-plus-MIME representation the SMTP engine
// and Queue flusher hand to SendMail; RawMIME is attempted as a single
// inline sendMail payload first, falling back to the large-mail path based
// on size.
type OutboundMessage struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	RawMIME     []byte
	Attachments []Attachment
}

// SendMail delivers msg as the configured mailbox principal. For a shared
// mailbox this relies on Graph's "Send As" semantics: the upstream user's
// token is used against the shared mailbox's /users/{mailbox}/sendMail
// endpoint.
func (c *Client) SendMail(ctx context.Context, mailbox string, msg OutboundMessage) error {
	if len(msg.RawMIME) <= largeMailThreshold && len(msg.Attachments) == 0 {
		return c.sendMailInline(ctx, mailbox, msg)
	}
	return c.sendMailLarge(ctx, mailbox, msg)
}

func (c *Client) sendMailInline(ctx context.Context, mailbox string, msg OutboundMessage) error {
	reqBody, err := json.Marshal(map[string]any{
		"message": draftMessage{
			Subject:       msg.Subject,
			Body:          draftBody{ContentType: "text", Content: string(msg.RawMIME)},
			ToRecipients:  toDraftAddresses(msg.To),
			CcRecipients:  toDraftAddresses(msg.Cc),
			BccRecipients: toDraftAddresses(msg.Bcc),
		},
		"saveToSentItems": true,
	})
	if err != nil {
		return fmt.Errorf("marshal sendMail request: %w", err)
	}
	path := fmt.Sprintf("/users/%s/sendMail", url.PathEscape(mailbox))
	resp, err := c.doJSON(ctx, "POST", path, reqBody, map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// sendMailLarge implements the draft-then-send sequence from §6: create a
// draft message, open a createUploadSession for every entry of
// msg.Attachments and PUT it in uploadChunkSize ranges, then POST .../send
// on the draft.
func (c *Client) sendMailLarge(ctx context.Context, mailbox string, msg OutboundMessage) error {
	draftID, err := c.createDraft(ctx, mailbox, msg)
	if err != nil {
		return err
	}

	for _, att := range msg.Attachments {
		if err := c.uploadAttachment(ctx, mailbox, draftID, att); err != nil {
			return err
		}
	}

	path := fmt.Sprintf("/users/%s/messages/%s/send", url.PathEscape(mailbox), url.PathEscape(draftID))
	resp, err := c.doJSON(ctx, "POST", path, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type draftMessage struct {
	Subject      string         `json:"subject"`
	Body         draftBody      `json:"body"`
	ToRecipients []draftAddress `json:"toRecipients"`
	CcRecipients []draftAddress `json:"ccRecipients,omitempty"`
	BccRecipients []draftAddress `json:"bccRecipients,omitempty"`
}

type draftBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type draftAddress struct {
	EmailAddress draftEmail `json:"emailAddress"`
}

type draftEmail struct {
	Address string `json:"address"`
}

func toDraftAddresses(addrs []string) []draftAddress {
	out := make([]draftAddress, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, draftAddress{EmailAddress: draftEmail{Address: a}})
	}
	return out
}

func (c *Client) createDraft(ctx context.Context, mailbox string, msg OutboundMessage) (string, error) {
	draft := draftMessage{
		Subject:       msg.Subject,
		Body:          draftBody{ContentType: "text", Content: string(msg.RawMIME)},
		ToRecipients:  toDraftAddresses(msg.To),
		CcRecipients:  toDraftAddresses(msg.Cc),
		BccRecipients: toDraftAddresses(msg.Bcc),
	}
	body, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("marshal draft: %w", err)
	}
	path := fmt.Sprintf("/users/%s/messages", url.PathEscape(mailbox))
	resp, err := c.doJSON(ctx, "POST", path, body, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode draft response: %w", err)
	}
	return out.ID, nil
}

func (c *Client) uploadAttachment(ctx context.Context, mailbox, draftID string, att Attachment) error {
	sessionPath := fmt.Sprintf("/users/%s/messages/%s/attachments/createUploadSession", url.PathEscape(mailbox), url.PathEscape(draftID))
	reqBody, err := json.Marshal(map[string]any{
		"AttachmentItem": map[string]any{
			"attachmentType": "file",
			"name":           att.Name,
			"contentType":    att.ContentType,
			"size":           len(att.Content),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal upload session request: %w", err)
	}
	resp, err := c.doJSON(ctx, "POST", sessionPath, reqBody, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}
	var sess struct {
		UploadURL string `json:"uploadUrl"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&sess)
	resp.Body.Close()
	if decodeErr != nil {
		return fmt.Errorf("decode upload session response: %w", decodeErr)
	}

	total := len(att.Content)
	for offset := 0; offset < total; offset += uploadChunkSize {
		end := offset + uploadChunkSize
		if end > total {
			end = total
		}
		chunk := att.Content[offset:end]
		headers := map[string]string{
			"Content-Range":  fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total),
			"Content-Length": fmt.Sprintf("%d", len(chunk)),
		}
		resp, err := c.rawRequest(ctx, "PUT", sess.UploadURL, chunk, headers, "")
		if err != nil {
			return classify(0, "", fmt.Errorf("upload range %d-%d: %w", offset, end-1, err))
		}
		if resp.StatusCode >= 300 {
			ge := errorFromResponse(resp)
			resp.Body.Close()
			return ge
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return nil
}
