package capture

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/parser"
	"github.com/shineum/contact-relay/internal/provider"
)

// Session states.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// sessionConfig is the per-connection view of the server configuration.
type sessionConfig struct {
	hostname    string
	auth        *Authenticator
	sink        provider.Provider
	tlsConfig   *tls.Config
	tlsActive   bool
	maxSize     int64
	idleTimeout time.Duration
}

// session drives the SMTP state machine for one client connection.
type session struct {
	cfg sessionConfig

	raw    net.Conn
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, cfg sessionConfig) *session {
	if cfg.maxSize <= 0 {
		cfg.maxSize = DefaultMaxMessageSize
	}
	if cfg.idleTimeout <= 0 {
		cfg.idleTimeout = DefaultIdleTimeout
	}
	return &session{
		cfg:       cfg,
		raw:       conn,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		tlsActive: cfg.tlsActive,
	}
}

// handle serves the connection until QUIT, a read error, the idle timeout or
// ctx cancellation. Cancellation interrupts a blocked read and answers 421.
func (s *session) handle(ctx context.Context) {
	defer func() { s.conn.Close() }()

	stop := context.AfterFunc(ctx, func() {
		s.raw.SetReadDeadline(time.Now())
	})
	defer stop()

	s.reply("220 %s ESMTP contact-relay capture", s.cfg.hostname)

	for {
		if err := s.raw.SetDeadline(time.Now().Add(s.cfg.idleTimeout)); err != nil {
			slog.Debug("failed to set connection deadline", "error", err)
			return
		}
		if ctx.Err() != nil {
			s.reply("421 %s Service shutting down", s.cfg.hostname)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				s.reply("421 %s Service shutting down", s.cfg.hostname)
			} else if err != io.EOF {
				slog.Debug("capture connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.dispatch(ctx, cmd, arg); done {
			return
		}
	}
}

// dispatch runs one command and reports whether the session is over.
func (s *session) dispatch(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHello(cmd, arg)
	case "STARTTLS":
		return s.handleStartTLS()
	case "AUTH":
		return s.handleAuth(arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		return s.handleData(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply("250 OK")
	case "NOOP":
		s.reply("250 OK")
	case "QUIT":
		s.reply("221 Bye")
		return true
	default:
		s.reply("500 Unrecognized command")
	}
	return false
}

func (s *session) handleHello(cmd, arg string) {
	if arg == "" {
		s.reply("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.reply("250 %s Hello %s", s.cfg.hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.cfg.hostname, arg)}
	if s.cfg.tlsConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.cfg.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "8BITMIME", fmt.Sprintf("SIZE %d", s.cfg.maxSize))
	s.replyMulti(250, lines)
}

func (s *session) handleStartTLS() bool {
	if s.cfg.tlsConfig == nil {
		s.reply("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.reply("454 TLS already active")
		return false
	}

	s.reply("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Warn("capture TLS handshake failed", "error", err)
		return true
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
	return false
}

func (s *session) handleAuth(arg string) bool {
	if s.state < stateGreeted {
		s.reply("503 Send EHLO/HELO first")
		return false
	}
	if !s.cfg.auth.Enabled() {
		s.reply("503 AUTH not available")
		return false
	}
	if s.state >= stateAuthOK {
		s.reply("503 Already authenticated")
		return false
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.reply("504 Unrecognized authentication type")
		return false
	}

	switch {
	case errors.Is(err, errCancelled):
		s.reply("501 Authentication cancelled")
	case errors.Is(err, errAuthFailed):
		s.reply("535 5.7.8 Authentication credentials invalid")
	case err != nil:
		slog.Debug("capture AUTH exchange failed", "error", err)
		return true
	default:
		s.state = stateAuthOK
		s.reply("235 2.7.0 Authentication successful")
	}
	return false
}

var errCancelled = errors.New("authentication cancelled")

func (s *session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		s.reply("334 ")
		line, err := s.readResponse()
		if err != nil {
			return err
		}
		encoded = line
	}
	if encoded == "*" {
		return errCancelled
	}
	if err := s.cfg.auth.VerifyPlain(encoded); err != nil {
		return errAuthFailed
	}
	return nil
}

func (s *session) authLogin() error {
	s.reply("334 VXNlcm5hbWU6")
	user, err := s.readResponse()
	if err != nil {
		return err
	}
	if user == "*" {
		return errCancelled
	}

	s.reply("334 UGFzc3dvcmQ6")
	pass, err := s.readResponse()
	if err != nil {
		return err
	}
	if pass == "*" {
		return errCancelled
	}

	if err := s.cfg.auth.VerifyLogin(user, pass); err != nil {
		return errAuthFailed
	}
	return nil
}

func (s *session) readResponse() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) handleMail(arg string) {
	if s.state < stateGreeted {
		s.reply("503 Send EHLO/HELO first")
		return
	}
	if s.cfg.auth.Enabled() && s.state < stateAuthOK {
		s.reply("530 5.7.0 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.reply("503 Nested MAIL command")
		return
	}
	if !hasPrefixFold(arg, "FROM:") {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return
	}

	// The null reverse-path <> is valid for bounces.
	addr, ok := extractAddress(arg[len("FROM:"):])
	if !ok {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply("250 OK")
}

func (s *session) handleRcpt(arg string) {
	if s.state < stateMailFrom {
		s.reply("503 Send MAIL FROM first")
		return
	}
	if !hasPrefixFold(arg, "TO:") {
		s.reply("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[len("TO:"):])
	if !ok || addr == "" {
		s.reply("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply("250 OK")
}

// handleData reads the message up to the lone dot, undoing dot-stuffing.
// Oversized messages are read to the end and then rejected with 552.
func (s *session) handleData(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.reply("503 Send RCPT TO first")
		return false
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	var buf bytes.Buffer
	tooBig := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("capture DATA read failed", "error", err)
			return true
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if tooBig {
			continue
		}
		if int64(buf.Len()+len(line)) > s.cfg.maxSize {
			tooBig = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	defer s.resetTransaction()

	if tooBig {
		s.reply("552 5.3.4 Message size exceeds fixed maximum message size")
		return false
	}

	msg, err := parser.Parse(buf.Bytes())
	if err != nil {
		slog.Warn("capture failed to parse message", "error", err)
		s.reply("554 5.6.0 Failed to process message")
		return false
	}
	applyEnvelope(msg, s.mailFrom, s.rcptTo)

	if err := s.cfg.sink.Send(ctx, msg); err != nil {
		slog.Error("capture sink failed",
			"sink", s.cfg.sink.Name(),
			"error", err,
		)
		s.reply("451 4.3.0 Temporary failure, please try again later")
		return false
	}

	slog.Debug("capture accepted message",
		"sink", s.cfg.sink.Name(),
		"from", s.mailFrom,
		"recipients", len(s.rcptTo),
	)
	s.reply("250 2.0.0 OK message accepted")
	return false
}

// applyEnvelope fills header gaps from the SMTP envelope. Envelope
// recipients that appear in no address header are recorded as Bcc.
func applyEnvelope(msg *email.Email, mailFrom string, rcptTo []string) {
	if msg.From == "" {
		msg.From = mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = append([]string(nil), rcptTo...)
		return
	}

	listed := make(map[string]bool)
	if addrs, err := msg.Recipients(); err == nil {
		for _, a := range addrs {
			listed[strings.ToLower(a)] = true
		}
	}
	for _, rcpt := range rcptTo {
		if !listed[strings.ToLower(rcpt)] {
			msg.Bcc = append(msg.Bcc, rcpt)
			listed[strings.ToLower(rcpt)] = true
		}
	}
}

// resetTransaction clears envelope state and keeps greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK && s.cfg.auth.Enabled():
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *session) reply(format string, args ...any) {
	fmt.Fprintf(s.writer, format+"\r\n", args...)
	if err := s.writer.Flush(); err != nil {
		slog.Debug("capture write failed", "error", err)
	}
}

func (s *session) replyMulti(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.writer, "%d%s%s\r\n", code, sep, l)
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("capture write failed", "error", err)
	}
}

// parseCommand splits a command line into the upper-cased verb and the rest.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// extractAddress returns the path from a MAIL or RCPT parameter, accepting
// both <addr> and bare forms and ignoring ESMTP parameters that follow.
func extractAddress(param string) (string, bool) {
	param = strings.TrimSpace(param)

	if strings.HasPrefix(param, "<") {
		end := strings.IndexByte(param, '>')
		if end < 0 {
			return "", false
		}
		return param[1:end], true
	}

	addr, _, _ := strings.Cut(param, " ")
	return addr, addr != ""
}
