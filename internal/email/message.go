// Package email defines the outbound message model shared by the dispatcher,
// the delivery providers and the capture relay.
package email

import (
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"
)

// Email is a single message with everything a provider needs to deliver it.
// Address fields hold formatted mailboxes ("Name <addr>" or a bare address).
type Email struct {
	From        string
	ReplyTo     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
	Date        time.Time
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns the bare addresses of every To, Cc and Bcc entry,
// in that order, suitable for an SMTP envelope.
func (e *Email) Recipients() ([]string, error) {
	all := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	for _, list := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, mbox := range list {
			_, addr, err := SplitAddress(mbox)
			if err != nil {
				return nil, err
			}
			all = append(all, addr)
		}
	}
	return all, nil
}

// FormatAddress renders a mailbox for use in a header. Plain ASCII names are
// written unquoted, names containing specials are quoted and non-ASCII names
// are RFC 2047 encoded.
func FormatAddress(name, addr string) string {
	if name == "" {
		return addr
	}

	switch {
	case !isASCII(name):
		return mime.QEncoding.Encode("utf-8", name) + " <" + addr + ">"
	case isPhrase(name):
		return name + " <" + addr + ">"
	default:
		return (&mail.Address{Name: name, Address: addr}).String()
	}
}

// SplitAddress parses a formatted mailbox into its display name and bare
// address.
func SplitAddress(mbox string) (name, addr string, err error) {
	parsed, err := mail.ParseAddress(mbox)
	if err != nil {
		return "", "", fmt.Errorf("invalid address %q: %w", mbox, err)
	}
	return parsed.Name, parsed.Address, nil
}

// isPhrase reports whether name can be written as an unquoted RFC 5322
// phrase: atext characters separated by single spaces.
func isPhrase(name string) bool {
	if strings.TrimSpace(name) != name || strings.Contains(name, "  ") {
		return false
	}
	for _, r := range name {
		if r == ' ' {
			continue
		}
		if !isAtext(r) {
			return false
		}
	}
	return true
}

func isAtext(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
