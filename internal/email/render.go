package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// Bytes renders the message as RFC 5322 text with CRLF line endings.
// Bcc recipients are never written to the headers.
func (e *Email) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := e.writeHeaders(&buf); err != nil {
		return nil, err
	}

	bodyHeader, body, err := renderBody(e.TextBody, e.HtmlBody)
	if err != nil {
		return nil, err
	}

	if len(e.Attachments) == 0 {
		writeMIMEHeader(&buf, bodyHeader)
		buf.WriteString("\r\n")
		buf.Write(body)
		buf.WriteString("\r\n")
		return buf.Bytes(), nil
	}

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := part.Write(body); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}

	for _, att := range e.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), nil
}

func (e *Email) writeHeaders(buf *bytes.Buffer) error {
	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}

	headers := []struct {
		key   string
		value string
	}{
		{"From", e.From},
		{"Reply-To", e.ReplyTo},
		{"To", strings.Join(e.To, ", ")},
		{"Cc", strings.Join(e.Cc, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", e.Subject)},
		{"Date", date.Format(time.RFC1123Z)},
		{"Message-ID", e.MessageID},
	}

	for _, h := range headers {
		if h.value == "" {
			continue
		}
		if strings.ContainsAny(h.value, "\r\n") {
			return fmt.Errorf("header %s contains a line break", h.key)
		}
		fmt.Fprintf(buf, "%s: %s\r\n", h.key, h.value)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	return nil
}

// renderBody returns the MIME header and encoded content of the message body:
// a single text/plain or text/html part, or multipart/alternative when both
// are present.
func renderBody(text, html string) (textproto.MIMEHeader, []byte, error) {
	if text != "" && html != "" {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)

		for _, alt := range []struct{ contentType, content string }{
			{"text/plain", text},
			{"text/html", html},
		} {
			header, content, err := textPart(alt.contentType, alt.content)
			if err != nil {
				return nil, nil, err
			}
			part, err := writer.CreatePart(header)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create %s part: %w", alt.contentType, err)
			}
			part.Write(content)
		}
		if err := writer.Close(); err != nil {
			return nil, nil, fmt.Errorf("failed to close alternative writer: %w", err)
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", writer.Boundary()))
		return header, buf.Bytes(), nil
	}

	if html != "" {
		return textPart("text/html", html)
	}
	return textPart("text/plain", text)
}

func textPart(contentType, content string) (textproto.MIMEHeader, []byte, error) {
	var buf bytes.Buffer

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(content)); err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s body: %w", contentType, err)
	}
	if err := qp.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to encode %s body: %w", contentType, err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType+"; charset=UTF-8")
	header.Set("Content-Transfer-Encoding", "quoted-printable")
	return header, buf.Bytes(), nil
}

func writeMIMEHeader(buf *bytes.Buffer, header textproto.MIMEHeader) {
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range header[k] {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
