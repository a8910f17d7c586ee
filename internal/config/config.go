// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the contact relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/contact-relay/internal/email"
	"github.com/shineum/contact-relay/internal/provider/smtp"
)

const (
	// DefaultIdentity is the sender and reply-to mailbox used when none is
	// configured.
	DefaultIdentity = "You <you@yordomain.com>"
	// DefaultSubject is the subject of every contact message unless
	// configured otherwise.
	DefaultSubject = "New contact form message"

	// defaultMaxMessageSize is 10 MiB in bytes.
	defaultMaxMessageSize = 10 << 20
)

// Config holds the complete application configuration.
type Config struct {
	HTTP     HTTPConfig    `yaml:"http"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Mail     MailConfig    `yaml:"mail"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	Capture  CaptureConfig `yaml:"capture"`
	Logging  LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds the front door listener settings.
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SMTPConfig holds the outbound relay settings. Timeout bounds every
// dispatch regardless of the provider in use.
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	LocalName          string        `yaml:"local_name"`
}

// MailConfig is the fixed identity every contact message is sent with.
type MailConfig struct {
	From    string `yaml:"from"`
	ReplyTo string `yaml:"reply_to"`
	Subject string `yaml:"subject"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// CaptureConfig holds the embedded capture relay settings.
type CaptureConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports every problem that would prevent the relay from serving.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case "smtp":
		if c.SMTP.Host == "" {
			errs = append(errs, errors.New("SMTP_HOST is required for the smtp provider"))
		}
		if c.SMTP.Username == "" || c.SMTP.Password == "" {
			errs = append(errs, errors.New("SMTP_USERNAME and SMTP_PASSWORD are required for the smtp provider"))
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid SMTP port %d", c.SMTP.Port))
		}
		if _, err := smtp.ParseTLSMode(c.SMTP.TLS); err != nil {
			errs = append(errs, err)
		}
	case "ses":
		if c.SES.Region == "" {
			errs = append(errs, errors.New("SES_REGION is required for the ses provider"))
		}
	case "graph":
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER are required for the graph provider"))
		}
	case "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q (want smtp, ses, graph or stdout)", c.Provider))
	}

	if _, _, err := email.SplitAddress(c.Mail.From); err != nil {
		errs = append(errs, fmt.Errorf("mail.from: %w", err))
	}
	if _, _, err := email.SplitAddress(c.Mail.ReplyTo); err != nil {
		errs = append(errs, fmt.Errorf("mail.reply_to: %w", err))
	}
	if strings.ContainsAny(c.Mail.Subject, "\r\n") {
		errs = append(errs, errors.New("mail.subject must not contain line breaks"))
	}
	if c.SMTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid send timeout %s", c.SMTP.Timeout))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q (want json or text)", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// CaptureAuthEnabled returns true if both capture relay credentials are set.
func (c *Config) CaptureAuthEnabled() bool {
	return c.Capture.Username != "" && c.Capture.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = "127.0.0.1:3000"
	c.HTTP.ReadTimeout = 10 * time.Second
	c.HTTP.WriteTimeout = 60 * time.Second
	c.HTTP.ShutdownTimeout = 10 * time.Second

	c.SMTP.Port = 465
	c.SMTP.TLS = string(smtp.TLSImplicit)
	c.SMTP.Timeout = 30 * time.Second

	c.Mail.From = DefaultIdentity
	c.Mail.ReplyTo = DefaultIdentity
	c.Mail.Subject = DefaultSubject

	c.Provider = "smtp"

	c.Capture.Listen = "127.0.0.1:2525"
	c.Capture.Hostname = "localhost"
	c.Capture.MaxMessageSize = defaultMaxMessageSize

	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.WriteTimeout = d
		}
	}
	if v := os.Getenv("HTTP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTP.ShutdownTimeout = d
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_TLS"); v != "" {
		c.SMTP.TLS = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.Timeout = d
		}
	}
	if v := os.Getenv("SMTP_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.InsecureSkipVerify = b
		}
	}
	if v := os.Getenv("SMTP_LOCAL_NAME"); v != "" {
		c.SMTP.LocalName = v
	}

	if v := os.Getenv("MAIL_FROM"); v != "" {
		c.Mail.From = v
	}
	if v := os.Getenv("MAIL_REPLY_TO"); v != "" {
		c.Mail.ReplyTo = v
	}
	if v := os.Getenv("MAIL_SUBJECT"); v != "" {
		c.Mail.Subject = v
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("CAPTURE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Capture.Enabled = b
		}
	}
	if v := os.Getenv("CAPTURE_LISTEN"); v != "" {
		c.Capture.Listen = v
	}
	if v := os.Getenv("CAPTURE_HOSTNAME"); v != "" {
		c.Capture.Hostname = v
	}
	if v := os.Getenv("CAPTURE_USERNAME"); v != "" {
		c.Capture.Username = v
	}
	if v := os.Getenv("CAPTURE_PASSWORD"); v != "" {
		c.Capture.Password = v
	}
	if v := os.Getenv("CAPTURE_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Capture.MaxMessageSize = size
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.Capture.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.Capture.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}
