// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/contact-relay/internal/email"
)

// Provider delivers a composed message. Implementations make a single
// delivery attempt and honour ctx cancellation and deadlines.
type Provider interface {
	// Send delivers an email message through this provider.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
