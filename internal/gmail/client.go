package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/pipeline"
)

const defaultBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// Config holds Gmail client configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	BaseURL      string
	Timeout      time.Duration
}

// Client is a thin adapter over the Gmail REST API implementing the
// pipeline's content provider contract.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// ThreadPage is one page of a thread listing.
type ThreadPage struct {
	Threads       []ThreadRef
	NextPageToken string
}

// ThreadRef identifies one thread with its pass-through provider metadata.
type ThreadRef struct {
	ID        string `json:"id"`
	HistoryID string `json:"historyId"`
	Snippet   string `json:"snippet"`
}

// NewClient creates a new Gmail client with an oauth2 refresh-token source.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := oc.Client(context.Background(), token)
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// ListThreads returns one page of thread ids matching the query.
func (c *Client) ListThreads(ctx context.Context, query, pageToken string) (ThreadPage, error) {
	params := url.Values{}
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var out struct {
		Threads       []ThreadRef `json:"threads"`
		NextPageToken string      `json:"nextPageToken"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/threads?"+params.Encode(), &out); err != nil {
		return ThreadPage{}, fmt.Errorf("failed to list threads: %w", err)
	}

	return ThreadPage{Threads: out.Threads, NextPageToken: out.NextPageToken}, nil
}

// GetThreadMessages fetches a full thread and flattens each message's nested
// part tree into one part list.
func (c *Client) GetThreadMessages(ctx context.Context, threadID string) ([]pipeline.RawThreadMessage, error) {
	var out struct {
		Messages []rawMessage `json:"messages"`
	}
	err := c.getJSON(ctx, c.baseURL+"/threads/"+url.PathEscape(threadID)+"?format=full", &out)
	if err != nil {
		return nil, err
	}

	msgs := make([]pipeline.RawThreadMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.flatten(threadID))
	}

	return msgs, nil
}

// GetAttachment fetches the decoded bytes of one attachment.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var out struct {
		Data string `json:"data"`
	}
	u := c.baseURL + "/messages/" + url.PathEscape(messageID) + "/attachments/" + url.PathEscape(attachmentID)
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch attachment: %w", err)
	}

	data, err := decodeBase64URL(out.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment data: %w", err)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, u string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrThreadNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// rawMessage mirrors the provider's wire shape for one message.
type rawMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	HistoryID    string `json:"historyId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Parts []rawPart `json:"parts"`
		rawPartBody
		MimeType string `json:"mimeType"`
	} `json:"payload"`
}

type rawPart struct {
	PartID   string `json:"partId"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	rawPartBody
	Parts []rawPart `json:"parts"`
}

type rawPartBody struct {
	Body struct {
		AttachmentID string `json:"attachmentId"`
		Data         string `json:"data"`
		Size         int64  `json:"size"`
	} `json:"body"`
}

// flatten collapses the provider's nested multipart tree into one part list.
func (m rawMessage) flatten(threadID string) pipeline.RawThreadMessage {
	headers := make(map[string]string, len(m.Payload.Headers))
	for _, h := range m.Payload.Headers {
		headers[h.Name] = h.Value
	}

	ts, _ := strconv.ParseInt(m.InternalDate, 10, 64)

	out := pipeline.RawThreadMessage{
		MessageID:  m.ID,
		ThreadID:   threadID,
		HistoryID:  m.HistoryID,
		Snippet:    m.Snippet,
		InternalTs: ts,
		Headers:    headers,
	}

	// Single-part messages put the body directly on the payload.
	if len(m.Payload.Parts) == 0 && (m.Payload.Body.Data != "" || m.Payload.Body.AttachmentID != "") {
		out.Parts = append(out.Parts, pipeline.MessagePart{
			PartID:       "0",
			MimeType:     m.Payload.MimeType,
			AttachmentID: m.Payload.Body.AttachmentID,
			Data:         m.Payload.Body.Data,
		})
		return out
	}

	for _, p := range m.Payload.Parts {
		out.Parts = append(out.Parts, flattenParts(p)...)
	}
	return out
}

func flattenParts(p rawPart) []pipeline.MessagePart {
	if len(p.Parts) == 0 {
		return []pipeline.MessagePart{{
			PartID:       p.PartID,
			MimeType:     p.MimeType,
			Filename:     p.Filename,
			AttachmentID: p.Body.AttachmentID,
			Data:         p.Body.Data,
		}}
	}

	var out []pipeline.MessagePart
	for _, child := range p.Parts {
		out = append(out, flattenParts(child)...)
	}
	return out
}

func decodeBase64URL(data string) ([]byte, error) {
	if raw, err := base64.URLEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}
