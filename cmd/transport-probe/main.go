package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/config"
	"github.com/example/notification-dispatcher/internal/dispatch"
	"github.com/example/notification-dispatcher/internal/tracking"
	"github.com/example/notification-dispatcher/internal/transport"
	"github.com/example/notification-dispatcher/internal/transport/factory"
)

func main() {
	to := flag.String("to", "", "recipient address (required)")
	subject := flag.String("subject", "Dispatcher probe", "message subject")
	body := flag.String("body", "<p>Hello from the dispatcher transport probe.</p>", "message body")
	fallback := flag.Bool("fallback", true, "engage the fallback webhook when configured")
	retries := flag.Int("retries", 0, "retries after the first primary attempt")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if strings.TrimSpace(*to) == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	primary, mode, err := factory.Primary(*cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise primary transport")
	}
	var fb transport.Transport
	if *fallback {
		if fb, err = factory.Fallback(*cfg, mode, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise fallback transport")
		}
	}

	dcfg := dispatch.DefaultConfig()
	dcfg.UseQueue = false
	dcfg.UseFallback = fb != nil
	dcfg.MaxRetries = *retries
	dcfg.BaseRetryDelay = cfg.Dispatch.BaseRetryDelay()
	dcfg.SendTimeout = cfg.Dispatch.SendTimeout()
	dcfg.From = cfg.Email.From
	dcfg.ReplyTo = cfg.Email.ReplyTo

	svc, err := dispatch.New(dcfg, dispatch.Dependencies{
		Primary:    primary,
		Fallback:   fb,
		Mode:       mode,
		Repository: tracking.NewMemoryStore(),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise dispatch service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), dcfg.SendTimeout+5*time.Second)
	defer cancel()

	res, err := svc.Send(ctx, dispatch.Request{
		To:      dispatch.Recipients{*to},
		Subject: *subject,
		Body:    *body,
		Tags:    []transport.Tag{{Name: "source", Value: "transport-probe"}},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("probe request rejected")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Fatal().Err(err).Msg("failed to encode result")
	}

	if !res.Success {
		logger.Error().Str("error", res.Error).Int("attempts", res.Attempts).Msg("probe delivery failed")
		os.Exit(1)
	}
	logger.Info().
		Str("mode", mode.String()).
		Str("provider", res.Provider).
		Str("message_id", res.MessageID).
		Msg("transports working as expected")
}
