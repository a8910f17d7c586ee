// Package parser turns raw RFC 5322 messages received by the capture relay
// into email.Email values, including MIME multipart bodies and attachments.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/contact-relay/internal/email"
)

// Parse parses a raw message. Address headers are normalised to formatted
// mailboxes, the top-level transfer encoding is decoded and the line break
// that terminates the DATA section is not treated as part of the body.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string, len(msg.Header)),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		MessageID:  msg.Header.Get("Message-Id"),
		From:       firstAddress(msg.Header.Get("From")),
		ReplyTo:    firstAddress(msg.Header.Get("Reply-To")),
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Bcc:        parseAddressList(msg.Header.Get("Bcc")),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}
	if date, err := msg.Header.Date(); err == nil {
		result.Date = date
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	body = trimTerminator(body)

	body, err = decodeTransfer(msg.Header.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return nil, err
	}

	switch mediaType {
	case "text/plain":
		result.TextBody = string(body)
	case "text/html":
		result.HtmlBody = string(body)
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.TextBody = string(body)
	}

	return result, nil
}

// parseMultipart walks a multipart body, keeping the first text/plain and
// text/html parts and collecting attachments. Nested multiparts are
// flattened into the same result.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			slog.Warn("failed to read part content", "content_type", mediaType, "error", err)
			continue
		}
		// multipart.Reader already decodes quoted-printable and drops the header.
		content, err := decodeTransfer(part.Header.Get("Content-Transfer-Encoding"), raw)
		if err != nil {
			slog.Warn("failed to decode part content", "content_type", mediaType, "error", err)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		filename := extractFilename(part, params)

		switch {
		case strings.HasPrefix(disposition, "attachment"):
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
		case mediaType == "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case mediaType == "text/html":
			if result.HtmlBody == "" {
				result.HtmlBody = string(content)
			}
		case part.FileName() != "" || params["name"] != "":
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}

	return nil
}

// decodeTransfer reverses a Content-Transfer-Encoding. 7bit, 8bit, binary and
// unknown encodings are returned unchanged.
func decodeTransfer(encoding string, raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

func trimTerminator(body []byte) []byte {
	if bytes.HasSuffix(body, []byte("\r\n")) {
		return body[:len(body)-2]
	}
	return bytes.TrimSuffix(body, []byte("\n"))
}

// extractFilename returns the part's filename from Content-Disposition or the
// Content-Type name parameter, falling back to "attachment.<subtype>".
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
		if _, sub, ok := strings.Cut(mediaType, "/"); ok {
			return "attachment." + sub
		}
	}
	return "attachment"
}

func decodeHeader(value string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func firstAddress(raw string) string {
	list := parseAddressList(raw)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// parseAddressList splits an address header into formatted mailboxes.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to a simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.FormatAddress(addr.Name, addr.Address))
	}
	return result
}
