package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"
	defaultFilesURL  = "https://www.googleapis.com/drive/v3/files"
)

// Config holds Drive client configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	UploadURL    string
	FilesURL     string
	Timeout      time.Duration
}

// Client is a thin adapter over the Drive REST API. It is consumed by the
// sync stage that drains the ready-to-sync queue.
type Client struct {
	httpClient *http.Client
	uploadURL  string
	filesURL   string
	logger     *slog.Logger
}

// NewClient creates a new Drive client
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
	}

	httpClient := oc.Client(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	uploadURL := cfg.UploadURL
	if uploadURL == "" {
		uploadURL = defaultUploadURL
	}
	filesURL := cfg.FilesURL
	if filesURL == "" {
		filesURL = defaultFilesURL
	}

	return &Client{
		httpClient: httpClient,
		uploadURL:  uploadURL,
		filesURL:   filesURL,
		logger:     logger,
	}
}

// CreateOrUpdateFile uploads a local file into the given parent folder. An
// existing file with the same name under the parent is updated in place so
// re-syncs never duplicate documents. Returns the Drive file id.
func (c *Client) CreateOrUpdateFile(ctx context.Context, name, mimeType, localPath, parentID string, metadata map[string]string) (string, error) {
	existingID, err := c.findByName(ctx, name, parentID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read local file: %w", err)
	}

	meta := map[string]interface{}{
		"name":     name,
		"mimeType": mimeType,
	}
	if len(metadata) > 0 {
		meta["appProperties"] = metadata
	}

	method := http.MethodPost
	u := c.uploadURL + "?uploadType=multipart"
	if existingID != "" {
		// Updates must not re-state parents.
		method = http.MethodPatch
		u = c.uploadURL + "/" + url.PathEscape(existingID) + "?uploadType=multipart"
	} else if parentID != "" {
		meta["parents"] = []string{parentID}
	}

	body, contentType, err := multipartBody(meta, mimeType, data)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("document store returned %d: %s", resp.StatusCode, string(errBody))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}

	c.logger.Debug("Uploaded file to document store",
		slog.String("name", name),
		slog.String("file_id", out.ID),
		slog.Bool("updated", existingID != ""),
	)

	return out.ID, nil
}

// findByName looks up an existing file id by exact name under a parent.
func (c *Client) findByName(ctx context.Context, name, parentID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", parentID)
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("fields", "files(id)")
	params.Set("pageSize", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.filesURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build lookup request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("document store returned %d: %s", resp.StatusCode, string(errBody))
	}

	var out struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode lookup response: %w", err)
	}

	if len(out.Files) == 0 {
		return "", nil
	}
	return out.Files[0].ID, nil
}

func multipartBody(meta map[string]interface{}, mimeType string, data []byte) (io.Reader, string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode file metadata: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create metadata part: %w", err)
	}
	if _, err := metaPart.Write(metaJSON); err != nil {
		return nil, "", fmt.Errorf("failed to write metadata part: %w", err)
	}

	filePart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mimeType},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := filePart.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return &buf, "multipart/related; boundary=" + w.Boundary(), nil
}

func escapeQuery(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
