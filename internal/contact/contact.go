// Package contact turns a contact-form submission into one email and hands
// it to the configured delivery provider.
package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/provider"
)

var (
	// ErrInvalidAddress is returned when the submitter's name or address
	// cannot be turned into a mailbox. Nothing is sent.
	ErrInvalidAddress = errors.New("invalid submitter address")

	// ErrDelivery wraps every failure reported by the provider.
	ErrDelivery = errors.New("delivery failed")
)

// Submission is the payload of a contact form. The notblank rule is
// registered by the HTTP layer and rejects whitespace-only values.
type Submission struct {
	Fullname string `json:"fullname" validate:"required,notblank"`
	Email    string `json:"email" validate:"required"`
	Message  string `json:"message" validate:"required"`
}

// Identity is the fixed sender every contact message goes out as.
type Identity struct {
	From    string
	ReplyTo string
	Subject string
}

// Dispatcher composes and sends contact messages. It holds no mutable state
// and is safe for concurrent use.
type Dispatcher struct {
	provider provider.Provider
	identity Identity
	timeout  time.Duration
	domain   string
}

// NewDispatcher returns a Dispatcher that sends through p, bounding every
// send by timeout.
func NewDispatcher(p provider.Provider, id Identity, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		provider: p,
		identity: id,
		timeout:  timeout,
		domain:   "localhost",
	}
	if _, addr, err := email.SplitAddress(id.From); err == nil {
		if at := strings.LastIndexByte(addr, '@'); at >= 0 && at < len(addr)-1 {
			d.domain = addr[at+1:]
		}
	}
	return d
}

// Compose builds the message for sub without sending it.
func (d *Dispatcher) Compose(sub Submission) (*email.Email, error) {
	if strings.ContainsAny(sub.Fullname, "\r\n") {
		return nil, fmt.Errorf("%w: name contains a line break", ErrInvalidAddress)
	}
	fullname := strings.TrimSpace(sub.Fullname)
	if fullname == "" {
		return nil, fmt.Errorf("%w: name is blank", ErrInvalidAddress)
	}

	raw := strings.TrimSpace(sub.Email)
	name, addr, err := email.SplitAddress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if name != "" || addr != raw {
		return nil, fmt.Errorf("%w: %q is not a bare address", ErrInvalidAddress, sub.Email)
	}

	return &email.Email{
		From:      d.identity.From,
		ReplyTo:   d.identity.ReplyTo,
		To:        []string{email.FormatAddress(fullname, addr)},
		Subject:   d.identity.Subject,
		TextBody:  sub.Message,
		MessageID: fmt.Sprintf("<%s@%s>", uuid.NewString(), d.domain),
		Date:      time.Now(),
	}, nil
}

// Dispatch composes one message for sub and makes a single delivery
// attempt bounded by the dispatcher's timeout. Timeouts satisfy
// errors.Is(err, context.DeadlineExceeded); all provider failures wrap
// ErrDelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, sub Submission) error {
	msg, err := d.Compose(sub)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.provider.Send(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "contact message delivery failed",
			"provider", d.provider.Name(),
			"recipient", msg.To[0],
			"message_id", msg.MessageID,
			"duration", time.Since(start),
			"error", err,
		)
		return fmt.Errorf("%w via %s: %w", ErrDelivery, d.provider.Name(), err)
	}

	slog.InfoContext(ctx, "contact message delivered",
		"provider", d.provider.Name(),
		"recipient", msg.To[0],
		"message_id", msg.MessageID,
		"duration", time.Since(start),
	)
	return nil
}
