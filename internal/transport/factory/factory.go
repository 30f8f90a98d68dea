package factory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/config"
	"github.com/example/notification-dispatcher/internal/transport"
	"github.com/example/notification-dispatcher/internal/transport/emailapi"
	"github.com/example/notification-dispatcher/internal/transport/local"
	"github.com/example/notification-dispatcher/internal/transport/mock"
	"github.com/example/notification-dispatcher/internal/transport/smtp"
	"github.com/example/notification-dispatcher/internal/transport/webhook"
)

// Primary constructs the configured primary transport and resolves the
// transport mode. Without an API key the api and smtp backends fall back to
// the local transport, which never touches the network.
func Primary(cfg config.Config, logger zerolog.Logger) (transport.Transport, transport.Mode, error) {
	backend := normalize(cfg.Email.Provider, "api")

	if backend == "mock" {
		logger.Info().
			Str("backend", "mock").
			Str("mode", transport.ModeLive.String()).
			Msg("primary transport initialised")
		return mock.New(logger), transport.ModeLive, nil
	}

	if strings.TrimSpace(cfg.Email.APIKey) == "" {
		if backend != "api" && backend != "smtp" {
			return nil, transport.ModeLocal, fmt.Errorf("factory: unsupported email provider backend %q", cfg.Email.Provider)
		}
		logger.Warn().
			Str("backend", backend).
			Str("mode", transport.ModeLocal.String()).
			Msg("no provider key configured, messages will be logged instead of sent")
		return local.New(logger), transport.ModeLocal, nil
	}

	timeout := cfg.Timeouts.ProviderTimeout()
	switch backend {
	case "api":
		t, err := emailapi.New(emailapi.Config{
			APIKey:  cfg.Email.APIKey,
			BaseURL: cfg.Email.BaseURL,
			From:    cfg.Email.From,
			ReplyTo: cfg.Email.ReplyTo,
			Timeout: timeout,
		}, logger)
		if err != nil {
			return nil, transport.ModeLive, fmt.Errorf("factory: email api transport init: %w", err)
		}
		logger.Info().
			Str("backend", "api").
			Str("base_url", cfg.Email.BaseURL).
			Str("mode", transport.ModeLive.String()).
			Msg("primary transport initialised")
		return t, transport.ModeLive, nil
	case "smtp":
		t, err := smtp.New(smtp.Config{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			User:               cfg.SMTP.User,
			Pass:               cfg.SMTP.Pass,
			From:               cfg.Email.From,
			FromName:           cfg.Email.FromName,
			ReplyTo:            cfg.Email.ReplyTo,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		}, logger)
		if err != nil {
			return nil, transport.ModeLive, fmt.Errorf("factory: smtp transport init: %w", err)
		}
		logger.Info().
			Str("backend", "smtp").
			Str("host", cfg.SMTP.Host).
			Str("mode", transport.ModeLive.String()).
			Msg("primary transport initialised")
		return t, transport.ModeLive, nil
	default:
		return nil, transport.ModeLive, fmt.Errorf("factory: unsupported email provider backend %q", cfg.Email.Provider)
	}
}

// Fallback constructs the webhook fallback. It returns nil when no webhook is
// configured or when running in local mode.
func Fallback(cfg config.Config, mode transport.Mode, logger zerolog.Logger) (transport.Transport, error) {
	if mode != transport.ModeLive || strings.TrimSpace(cfg.Fallback.WebhookURL) == "" {
		logger.Info().
			Str("mode", mode.String()).
			Msg("fallback transport disabled")
		return nil, nil
	}
	t, err := webhook.New(webhook.Config{
		URL:         cfg.Fallback.WebhookURL,
		Timeout:     cfg.Timeouts.ProviderTimeout(),
		IncludeBody: cfg.Fallback.IncludeBody,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("factory: webhook transport init: %w", err)
	}
	logger.Info().
		Bool("include_body", cfg.Fallback.IncludeBody).
		Msg("fallback transport initialised")
	return t, nil
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
