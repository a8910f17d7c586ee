// Package main is the entry point for the contact relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/contact-relay/internal/capture"
	"github.com/shineum/contact-relay/internal/certs"
	"github.com/shineum/contact-relay/internal/config"
	"github.com/shineum/contact-relay/internal/contact"
	"github.com/shineum/contact-relay/internal/httpapi"
	"github.com/shineum/contact-relay/internal/provider"
	"github.com/shineum/contact-relay/internal/provider/graph"
	"github.com/shineum/contact-relay/internal/provider/ses"
	"github.com/shineum/contact-relay/internal/provider/smtp"
	"github.com/shineum/contact-relay/internal/provider/stdout"
)

// maxGracePeriod bounds the whole shutdown once a signal arrives.
const maxGracePeriod = 30 * time.Second

type errSignal struct {
	Signal os.Signal
}

func (e errSignal) Error() string {
	return fmt.Sprintf("got signal %s", e.Signal)
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "path to a .env file loaded into the environment (ignored if missing)")
	enableCapture := flag.Bool("capture", false, "run the embedded capture relay")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *enableCapture {
		cfg.Capture.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	prov, err := selectProvider(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to create provider", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	dispatcher := contact.NewDispatcher(prov, contact.Identity{
		From:    cfg.Mail.From,
		ReplyTo: cfg.Mail.ReplyTo,
		Subject: cfg.Mail.Subject,
	}, cfg.SMTP.Timeout)

	httpServer := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddr:      cfg.HTTP.Listen,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, httpapi.NewRouter(httpapi.NewHandler(dispatcher)))

	var captureServer *capture.Server
	if cfg.Capture.Enabled {
		captureServer, err = newCaptureServer(cfg)
		if err != nil {
			slog.Error("failed to set up capture relay", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("starting contact-relay",
		"listen", cfg.HTTP.Listen,
		"provider", prov.Name(),
		"from", cfg.Mail.From,
		"send_timeout", cfg.SMTP.Timeout,
		"capture_enabled", cfg.Capture.Enabled,
	)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(sigTrap(ctx))
	g.Go(func() error { return httpServer.ListenAndServe(ctx) })
	if captureServer != nil {
		g.Go(func() error { return captureServer.ListenAndServe(ctx) })
	}

	err = g.Wait()
	var sig errSignal
	if err != nil && !errors.As(err, &sig) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("contact-relay stopped")
}

// sigTrap returns when SIGINT or SIGTERM arrives, which cancels the group.
func sigTrap(ctx context.Context) func() error {
	return func() error {
		trap := make(chan os.Signal, 1)
		signal.Notify(trap, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(trap)

		select {
		case <-ctx.Done():
			return nil
		case sig := <-trap:
			slog.Info("received signal, initiating shutdown", "signal", sig.String())
			time.AfterFunc(maxGracePeriod, func() {
				slog.Error("contact-relay failed to shut down gracefully")
				os.Exit(1)
			})
			return errSignal{Signal: sig}
		}
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with the specified level and
// output format.
func setupLogger(level, format string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// selectProvider builds the delivery backend named in the configuration.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "smtp":
		mode, err := smtp.ParseTLSMode(cfg.SMTP.TLS)
		if err != nil {
			return nil, err
		}
		slog.Info("using SMTP relay provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"tls", mode,
		)
		return smtp.New(smtp.Config{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			TLS:                mode,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			LocalName:          cfg.SMTP.LocalName,
		})

	case "ses":
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		return ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})

	case "graph":
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// newCaptureServer builds the embedded capture relay. Captured messages are
// printed by the stdout provider.
func newCaptureServer(cfg *config.Config) (*capture.Server, error) {
	tlsConfig, err := certs.ServerConfig(cfg.Capture.CertFile, cfg.Capture.KeyFile)
	if err != nil {
		return nil, err
	}

	tlsMode := "self-signed"
	if cfg.Capture.CertFile != "" {
		tlsMode = "file"
	}
	slog.Info("capture relay configured",
		"listen", cfg.Capture.Listen,
		"auth_enabled", cfg.CaptureAuthEnabled(),
		"tls_mode", tlsMode,
	)

	return capture.New(capture.ServerConfig{
		ListenAddr:     cfg.Capture.Listen,
		Hostname:       cfg.Capture.Hostname,
		Sink:           stdout.New(),
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.Capture.Username,
		AuthPassword:   cfg.Capture.Password,
		MaxMessageSize: cfg.Capture.MaxMessageSize,
	}), nil
}
