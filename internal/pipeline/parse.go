package pipeline

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/synle/note-synchronizer-sub000/internal/domain"
)

// attachmentRef is one attachment scheduled for download by the sub-pool.
type attachmentRef struct {
	threadID     string
	messageID    string
	attachmentID string
	mimeType     string
	filename     string
}

// deterministicID keys an attachment by message and provider attachment id
// so repeated runs overwrite rather than duplicate. Provider attachment ids
// can exceed reasonable column widths, so they are hashed.
func (r attachmentRef) deterministicID() string {
	sum := sha1.Sum([]byte(r.messageID + ":" + r.attachmentID))
	return r.messageID + "-" + hex.EncodeToString(sum[:8])
}

// parseMessage decodes one raw message into a parsed record plus the
// attachments to download. Small inline images are decoded and written to
// disk here, synchronously; parts referencing provider-side attachments are
// returned for the download sub-pool.
func (p *Pipeline) parseMessage(raw RawThreadMessage) (domain.Message, []attachmentRef, []domain.Attachment, error) {
	if raw.MessageID == "" {
		return domain.Message{}, nil, nil, fmt.Errorf("message without id in thread %s", raw.ThreadID)
	}

	msg := domain.Message{
		MessageID:  raw.MessageID,
		ThreadID:   raw.ThreadID,
		Subject:    raw.Headers["Subject"],
		From:       raw.Headers["From"],
		To:         raw.Headers["To"],
		RawHeaders: flattenHeaders(raw.Headers),
		Timestamp:  raw.InternalTs,
	}

	var (
		refs      []attachmentRef
		inline    []domain.Attachment
		plainBody string
		htmlBody  string
	)

	for _, part := range raw.Parts {
		switch {
		case part.AttachmentID != "" && part.Filename != "":
			refs = append(refs, attachmentRef{
				threadID:     raw.ThreadID,
				messageID:    raw.MessageID,
				attachmentID: part.AttachmentID,
				mimeType:     part.MimeType,
				filename:     part.Filename,
			})

		case strings.HasPrefix(part.MimeType, "image/") && part.Data != "":
			att, err := p.saveInlineImage(raw, part)
			if err != nil {
				p.logger.Warn("Failed to save inline image",
					slog.String("message_id", raw.MessageID),
					slog.String("part_id", part.PartID),
					slog.String("error", err.Error()),
				)
				continue
			}
			inline = append(inline, att)

		case part.MimeType == "text/plain":
			// First non-empty plain-text part wins.
			if plainBody == "" {
				if text := strings.TrimSpace(decodeBody(part.Data)); text != "" {
					plainBody = text
				}
			}

		case part.MimeType == "text/html":
			if htmlBody == "" {
				htmlBody = decodeBody(part.Data)
			}
		}
	}

	if plainBody != "" {
		msg.Body = plainBody
	} else {
		msg.Body = stripHTML(htmlBody)
	}

	return msg, refs, inline, nil
}

// saveInlineImage decodes an inline image part and writes it next to the
// thread's downloaded attachments.
func (p *Pipeline) saveInlineImage(raw RawThreadMessage, part MessagePart) (domain.Attachment, error) {
	data, err := decodeBytes(part.Data)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("failed to decode inline image: %w", err)
	}

	name := part.Filename
	if name == "" {
		name = "inline-" + part.PartID + extensionFor(part.MimeType)
	}

	path := filepath.Join(p.attachmentDir, raw.ThreadID,
		fmt.Sprintf("%s-%s", raw.MessageID, sanitizeFilename(name)))

	if _, err := os.Stat(path); err != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return domain.Attachment{}, fmt.Errorf("failed to create attachment dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return domain.Attachment{}, fmt.Errorf("failed to write inline image: %w", err)
		}
	}

	sum := sha1.Sum([]byte(raw.MessageID + ":" + part.PartID))
	return domain.Attachment{
		AttachmentID: raw.MessageID + "-" + hex.EncodeToString(sum[:8]),
		MessageID:    raw.MessageID,
		ThreadID:     raw.ThreadID,
		MimeType:     part.MimeType,
		FileName:     name,
		Path:         path,
		Size:         int64(len(data)),
	}, nil
}

// decodeBody decodes a base64url transport-encoded text part, tolerating
// both padded and unpadded payloads. Undecodable input is returned as-is so
// a bad part degrades instead of erroring.
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	raw, err := decodeBytes(data)
	if err != nil {
		return data
	}
	return string(raw)
}

func decodeBytes(data string) ([]byte, error) {
	if raw, err := base64.URLEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}

var (
	tagRe        = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)
)

// stripHTML reduces an HTML body to readable text. Full readability
// extraction is a separate concern; this only removes markup and collapses
// whitespace.
func stripHTML(body string) string {
	if body == "" {
		return ""
	}
	text := tagRe.ReplaceAllString(body, "")
	text = htmlTagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = whitespaceRe.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// flattenHeaders renders headers in a stable order for the raw_headers
// column.
func flattenHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(headers[k])
		sb.WriteString("\n")
	}
	return sb.String()
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeFilename(name string) string {
	clean := unsafeFilenameRe.ReplaceAllString(name, "_")
	if len(clean) > 128 {
		clean = clean[len(clean)-128:]
	}
	return clean
}

func shortID(id string) string {
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:6])
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ".bin"
	}
}
