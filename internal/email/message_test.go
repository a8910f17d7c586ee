package email

import (
	"bytes"
	"io"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestFormatAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		dname string
		addr  string
		want  string
	}{
		{name: "no name", dname: "", addr: "ada@example.com", want: "ada@example.com"},
		{name: "plain name", dname: "Ada", addr: "ada@example.com", want: "Ada <ada@example.com>"},
		{name: "two words", dname: "Ada Lovelace", addr: "ada@example.com", want: "Ada Lovelace <ada@example.com>"},
		{name: "apostrophe", dname: "Pat O'Brien", addr: "pat@example.com", want: "Pat O'Brien <pat@example.com>"},
		{name: "specials are quoted", dname: "Dr. Who", addr: "who@example.com", want: `"Dr. Who" <who@example.com>`},
		{name: "non-ascii is encoded", dname: "Zoë", addr: "zoe@example.com", want: "=?utf-8?q?Zo=C3=AB?= <zoe@example.com>"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatAddress(tt.dname, tt.addr); got != tt.want {
				t.Errorf("FormatAddress(%q, %q): got %q, want %q", tt.dname, tt.addr, got, tt.want)
			}
		})
	}
}

func TestFormatAddress_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"Ada", "Dr. Who", "Zoë Smith", `Say "hi"`} {
		gotName, addr, err := SplitAddress(FormatAddress(name, "x@example.com"))
		if err != nil {
			t.Fatalf("SplitAddress: unexpected error: %v", err)
		}
		if addr != "x@example.com" {
			t.Errorf("address: got %q, want %q", addr, "x@example.com")
		}
		if gotName != name {
			t.Errorf("display name: got %q, want %q", gotName, name)
		}
	}
}

func TestSplitAddress_Invalid(t *testing.T) {
	t.Parallel()

	if _, _, err := SplitAddress("not an address"); err == nil {
		t.Error("expected error for invalid address, got nil")
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	msg := &Email{
		To:  []string{"Ada <ada@example.com>", "bob@example.com"},
		Cc:  []string{"Carol <carol@example.com>"},
		Bcc: []string{"dave@example.com"},
	}

	got, err := msg.Recipients()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"ada@example.com", "bob@example.com", "carol@example.com", "dave@example.com"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Recipients(): got %v, want %v", got, want)
	}
}

func TestRecipients_InvalidAddress(t *testing.T) {
	t.Parallel()

	msg := &Email{To: []string{"broken"}}
	if _, err := msg.Recipients(); err == nil {
		t.Error("expected error for invalid recipient, got nil")
	}
}

func TestBytes_PlainText(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:      "You <you@yordomain.com>",
		ReplyTo:   "You <you@yordomain.com>",
		To:        []string{"Ada <ada@example.com>"},
		Bcc:       []string{"hidden@example.com"},
		Subject:   "New message",
		TextBody:  "hello",
		MessageID: "<id-1@yordomain.com>",
		Date:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("rendered message does not parse: %v", err)
	}

	checks := map[string]string{
		"From":                      "You <you@yordomain.com>",
		"Reply-To":                  "You <you@yordomain.com>",
		"To":                        "Ada <ada@example.com>",
		"Subject":                   "New message",
		"Message-Id":                "<id-1@yordomain.com>",
		"Mime-Version":              "1.0",
		"Content-Type":              "text/plain; charset=UTF-8",
		"Content-Transfer-Encoding": "quoted-printable",
	}
	for key, want := range checks {
		if got := parsed.Header.Get(key); got != want {
			t.Errorf("%s: got %q, want %q", key, got, want)
		}
	}

	if parsed.Header.Get("Bcc") != "" {
		t.Error("Bcc must not be rendered into headers")
	}

	date, err := parsed.Header.Date()
	if err != nil {
		t.Fatalf("Date header: %v", err)
	}
	if !date.Equal(msg.Date) {
		t.Errorf("Date: got %v, want %v", date, msg.Date)
	}

	body, err := io.ReadAll(quotedprintable.NewReader(parsed.Body))
	if err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if got := strings.TrimRight(string(body), "\r\n"); got != "hello" {
		t.Errorf("body: got %q, want %q", got, "hello")
	}
}

func TestBytes_EncodesNonASCIISubject(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:     "you@yordomain.com",
		To:       []string{"ada@example.com"},
		Subject:  "Grüße",
		TextBody: "x",
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(raw), "Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=") {
		t.Errorf("subject not RFC 2047 encoded:\n%s", raw)
	}
}

func TestBytes_RejectsHeaderInjection(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:     "you@yordomain.com",
		To:       []string{"ada@example.com\r\nBcc: victim@example.com"},
		TextBody: "x",
	}

	if _, err := msg.Bytes(); err == nil {
		t.Error("expected error for header containing a line break, got nil")
	}
}

func TestBytes_Alternative(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:     "you@yordomain.com",
		To:       []string{"ada@example.com"},
		Subject:  "Both",
		TextBody: "plain",
		HtmlBody: "<p>html</p>",
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(raw)
	for _, want := range []string{"multipart/alternative", "text/plain; charset=UTF-8", "text/html; charset=UTF-8", "<p>html</p>"} {
		if !strings.Contains(s, want) {
			t.Errorf("rendered message missing %q", want)
		}
	}
}

func TestBytes_WithAttachments(t *testing.T) {
	t.Parallel()

	msg := &Email{
		From:     "you@yordomain.com",
		To:       []string{"ada@example.com"},
		Cc:       []string{"cc@example.com"},
		Subject:  "With Attachment",
		TextBody: "See attachment",
		Attachments: []Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("pdf content")},
		},
	}

	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rawStr := string(raw)
	checks := []struct {
		name     string
		contains string
	}{
		{"From header", "From: you@yordomain.com"},
		{"To header", "To: ada@example.com"},
		{"Cc header", "Cc: cc@example.com"},
		{"Subject header", "Subject: With Attachment"},
		{"MIME-Version", "MIME-Version: 1.0"},
		{"multipart boundary", "multipart/mixed"},
		{"body content type", "text/plain"},
		{"attachment content type", "application/pdf"},
		{"attachment filename", "doc.pdf"},
		{"base64 encoding", "Content-Transfer-Encoding: base64"},
	}

	for _, check := range checks {
		if !strings.Contains(rawStr, check.contains) {
			t.Errorf("raw message missing %s: expected to contain %q", check.name, check.contains)
		}
	}
}

func TestEncodeBase64WithLineBreaks(t *testing.T) {
	t.Parallel()

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	encoded := encodeBase64WithLineBreaks(data)
	lines := strings.Split(encoded, "\r\n")
	for i, line := range lines {
		if i < len(lines)-1 && len(line) != 76 {
			t.Errorf("line %d length: got %d, want 76", i, len(line))
		}
		if len(line) > 76 {
			t.Errorf("line %d exceeds 76 chars: got %d", i, len(line))
		}
	}
}
