// Package smtp implements a Provider that submits messages to an SMTP
// relay. Every send opens its own connection and closes it afterwards.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/contact-relay/internal/email"
)

// TLSMode selects how the connection to the relay is secured.
type TLSMode string

const (
	// TLSImplicit opens TLS before the SMTP greeting (SMTPS, usually 465).
	TLSImplicit TLSMode = "implicit"
	// TLSStartTLS upgrades a plain connection with STARTTLS (usually 587).
	TLSStartTLS TLSMode = "starttls"
	// TLSNone speaks plaintext. Only meant for local relays.
	TLSNone TLSMode = "none"
)

// ParseTLSMode parses a case-insensitive mode name.
func ParseTLSMode(s string) (TLSMode, error) {
	switch m := TLSMode(strings.ToLower(strings.TrimSpace(s))); m {
	case TLSImplicit, TLSStartTLS, TLSNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown SMTP TLS mode %q (want implicit, starttls or none)", s)
	}
}

// Config holds the relay connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      TLSMode

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
	// RootCAs overrides the system trust store when set.
	RootCAs *x509.CertPool
	// LocalName is sent with EHLO. Defaults to "localhost". In starttls
	// mode it applies to the EHLO after the upgrade; the first one always
	// says "localhost".
	LocalName string
}

// Provider submits messages to an SMTP relay.
type Provider struct {
	cfg    Config
	addr   string
	dialer net.Dialer
}

// New validates cfg and creates a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("SMTP host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid SMTP port %d", cfg.Port)
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSImplicit
	}
	if _, err := ParseTLSMode(string(cfg.TLS)); err != nil {
		return nil, err
	}

	return &Provider{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send submits msg in a single attempt. The whole exchange, from dial to
// QUIT, is bounded by ctx. When ctx ends first the returned error wraps
// ctx.Err(); relay rejections wrap *smtp.SMTPError from go-smtp.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	_, from, err := email.SplitAddress(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	rcpts, err := msg.Recipients()
	if err != nil {
		return err
	}
	if len(rcpts) == 0 {
		return errors.New("message has no recipients")
	}
	raw, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return p.fail(ctx, "connect", err)
	}
	// Closing the socket unblocks whatever step is waiting on the relay.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := p.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		return p.fail(ctx, "handshake", err)
	}
	defer c.Close()

	if p.cfg.Username != "" {
		if !c.SupportsAuth(sasl.Plain) {
			return p.fail(ctx, "auth", errors.New("relay does not offer AUTH PLAIN"))
		}
		if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return p.fail(ctx, "auth", err)
		}
	}

	if err := c.SendMail(from, rcpts, bytes.NewReader(raw)); err != nil {
		return p.fail(ctx, "send", err)
	}

	slog.Debug("SMTP relay accepted message",
		"relay", p.addr,
		"recipients", len(rcpts),
		"bytes", len(raw),
	)
	return nil
}

// handshake wraps conn according to the TLS mode and greets the relay.
func (p *Provider) handshake(ctx context.Context, conn net.Conn) (*gosmtp.Client, error) {
	var (
		c   *gosmtp.Client
		err error
	)

	switch p.cfg.TLS {
	case TLSImplicit:
		tlsConn := tls.Client(conn, p.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		c = gosmtp.NewClient(tlsConn)
	case TLSStartTLS:
		// go-smtp greets as "localhost" before the upgrade and expects a
		// fresh Hello once TLS is up.
		c, err = gosmtp.NewClientStartTLS(conn, p.tlsConfig())
		if err != nil {
			return nil, err
		}
	default:
		c = gosmtp.NewClient(conn)
	}

	p.applyTimeouts(ctx, c)
	if err = c.Hello(p.localName()); err != nil {
		return nil, err
	}
	return c, nil
}

// applyTimeouts caps go-smtp's per-command deadlines at the time left on ctx.
func (p *Provider) applyTimeouts(ctx context.Context, c *gosmtp.Client) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	c.CommandTimeout = remaining
	c.SubmissionTimeout = remaining
}

func (p *Provider) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         p.cfg.Host,
		RootCAs:            p.cfg.RootCAs,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

func (p *Provider) localName() string {
	if p.cfg.LocalName != "" {
		return p.cfg.LocalName
	}
	return "localhost"
}

// fail labels err with the step that failed. A socket timeout is reported
// as context.DeadlineExceeded since the socket deadlines derive from ctx.
func (p *Provider) fail(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("smtp %s %s: %w: %w", step, p.addr, ctxErr, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("smtp %s %s: %w: %w", step, p.addr, context.DeadlineExceeded, err)
	}
	return fmt.Errorf("smtp %s %s: %w", step, p.addr, err)
}
