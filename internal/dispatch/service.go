// Package dispatch composes request validation, the dispatch queue, the
// attempt engine and delivery tracking behind a single Send contract.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/notification-dispatcher/internal/metrics"
	"github.com/example/notification-dispatcher/internal/tracking"
	"github.com/example/notification-dispatcher/internal/transport"
)

const maxIDCollisions = 16

// Result is what callers receive for every Send. Ordinary delivery failures
// are reported here, never as a returned error.
type Result struct {
	Success    bool      `json:"success"`
	MessageID  string    `json:"messageId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
	TrackingID string    `json:"trackingId,omitempty"`
	Provider   string    `json:"provider,omitempty"`
}

// Dependencies collects the collaborators of a Service.
type Dependencies struct {
	Primary    transport.Transport
	Fallback   transport.Transport
	Mode       transport.Mode
	Repository tracking.Repository
	Logger     zerolog.Logger
	Now        func() time.Time
	// Sleep replaces every wait the service performs: retry backoff, queue
	// pacing and the delay between batch chunks.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service is the public entry point of the dispatch subsystem.
type Service struct {
	cfg    Config
	mode   transport.Mode
	repo   tracking.Repository
	engine *Engine
	queue  *Queue
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New validates the configuration and wires the service.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("%w: tracking repository is required", ErrConfiguration)
	}
	if deps.Mode == transport.ModeLive && strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("%w: a default from address is required in live mode", ErrConfiguration)
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = wait
	}

	engine, err := NewEngine(cfg, deps.Primary, deps.Fallback, logger, WithNow(now), WithSleep(sleep))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		mode:   deps.Mode,
		repo:   deps.Repository,
		engine: engine,
		logger: logger.With().Str("component", "dispatch_service").Logger(),
		now:    now,
		sleep:  sleep,
	}
	if cfg.UseQueue {
		s.queue = NewQueue(cfg.QueueItemDelay, logger, WithQueueSleep(sleep))
	}

	s.logger.Info().
		Str("mode", deps.Mode.String()).
		Str("primary", deps.Primary.Name()).
		Bool("fallback_configured", engine.fallback != nil).
		Bool("use_fallback", cfg.UseFallback).
		Bool("use_queue", cfg.UseQueue).
		Int("max_retries", cfg.MaxRetries).
		Dur("base_retry_delay", cfg.BaseRetryDelay).
		Msg("dispatch service ready")
	return s, nil
}

// Mode reports whether the service sends for real or only logs.
func (s *Service) Mode() transport.Mode { return s.mode }

// Send validates req, records it and delivers it through the queue or
// directly. Cancelling ctx does not abort the delivery. The error is non-nil
// only for invalid requests; delivery failures come back as
// Result.Success == false.
func (s *Service) Send(ctx context.Context, req Request) (*Result, error) {
	start := s.now()
	msg, err := req.normalize(s.cfg)
	if err != nil {
		s.logger.Warn().Err(err).Msg("request rejected")
		return nil, err
	}

	// Callers cannot cancel a delivery; only SendTimeout bounds it.
	ctx = context.WithoutCancel(ctx)
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	id, err := s.createRecord(ctx, msg, start)
	if err != nil {
		s.logger.Error().Err(err).Str("recipient", msg.PrimaryRecipient()).Msg("could not create delivery record")
		return &Result{Error: err.Error(), Timestamp: s.now()}, nil
	}
	msg.TrackingID = id
	log := s.logger.With().
		Str("tracking_id", id).
		Str("recipient", msg.PrimaryRecipient()).
		Str("subject", msg.Subject).
		Logger()
	log.Info().Int("recipients", len(msg.To)).Bool("queued", s.queue != nil).Msg("send accepted")

	defer func() {
		metrics.SendDuration.Observe(s.now().Sub(start).Seconds())
	}()

	if s.queue == nil {
		return s.result(id, s.process(ctx, id, msg)), nil
	}

	s.update(ctx, id, tracking.Update{Status: tracking.Ptr(tracking.StatusQueued)})

	var out Outcome
	done, err := s.queue.Submit(func() {
		out = s.process(ctx, id, msg)
	})
	if err != nil {
		s.update(ctx, id, tracking.Update{
			Status:    tracking.Ptr(tracking.StatusFailed),
			LastError: tracking.Ptr(err.Error()),
		})
		metrics.Messages.WithLabelValues(string(tracking.StatusFailed)).Inc()
		log.Warn().Err(err).Msg("queue refused submission")
		return &Result{Error: err.Error(), Timestamp: s.now(), TrackingID: id}, nil
	}

	select {
	case <-done:
		return s.result(id, out), nil
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("send deadline reached before delivery finished")
		res := &Result{
			Error:      fmt.Sprintf("dispatch: send timed out: %v", ctx.Err()),
			Timestamp:  s.now(),
			TrackingID: id,
		}
		if rec, gerr := s.repo.Get(context.WithoutCancel(ctx), id); gerr == nil {
			res.Attempts = rec.Attempts
		}
		return res, nil
	}
}

// SendBatch sends reqs in chunks of BatchSize. Each chunk runs concurrently
// and chunks are separated by BatchDelay. Results match the input order.
// Like Send, it runs to completion even if ctx is cancelled.
func (s *Service) SendBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	size := s.cfg.BatchSize
	ctx = context.WithoutCancel(ctx)

	for start := 0; start < len(reqs); start += size {
		if start > 0 && s.cfg.BatchDelay > 0 {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				for i := start; i < len(reqs); i++ {
					results[i] = Result{Error: fmt.Sprintf("dispatch: batch abandoned: %v", err), Timestamp: s.now()}
				}
				return results
			}
		}
		end := start + size
		if end > len(reqs) {
			end = len(reqs)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				res, err := s.Send(ctx, reqs[i])
				if err != nil {
					results[i] = Result{Error: err.Error(), Timestamp: s.now()}
					return nil
				}
				results[i] = *res
				return nil
			})
		}
		_ = g.Wait()
		s.logger.Debug().Int("chunk_start", start).Int("chunk_end", end).Msg("batch chunk finished")
	}
	return results
}

// GetStatus returns the record for id or tracking.ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, id string) (tracking.Record, error) {
	return s.repo.Get(ctx, id)
}

// GetAllTracking returns every record, oldest first.
func (s *Service) GetAllTracking(ctx context.Context) ([]tracking.Record, error) {
	records, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Prune removes records whose last attempt is older than olderThanDays.
func (s *Service) Prune(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("%w: olderThanDays must be >= 1", ErrInvalidRequest)
	}
	removed, err := s.repo.Prune(ctx, time.Duration(olderThanDays)*24*time.Hour)
	if err != nil {
		return 0, err
	}
	metrics.TrackingPruned.Add(float64(removed))
	s.logger.Info().Int("older_than_days", olderThanDays).Int("removed", removed).Msg("tracking records pruned")
	return removed, nil
}

// RecordBounce marks a Sent record as Bounced. Any other current status
// yields tracking.ErrInvalidTransition.
func (s *Service) RecordBounce(ctx context.Context, id, reason string) (tracking.Record, error) {
	at := s.now()
	rec, err := s.repo.Update(ctx, id, tracking.Update{
		Status:       tracking.Ptr(tracking.StatusBounced),
		BouncedAt:    &at,
		BounceReason: tracking.Ptr(strings.TrimSpace(reason)),
	})
	if err != nil {
		return tracking.Record{}, err
	}
	metrics.Messages.WithLabelValues(string(tracking.StatusBounced)).Inc()
	s.logger.Warn().Str("tracking_id", id).Str("reason", reason).Msg("delivery bounced")
	return rec, nil
}

// Close stops accepting queued work and waits for the queue to drain.
func (s *Service) Close(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Stop(ctx)
}

func (s *Service) createRecord(ctx context.Context, msg *transport.Message, at time.Time) (string, error) {
	base := fmt.Sprintf("%s-%d", msg.PrimaryRecipient(), at.UnixMilli())
	rec := tracking.Record{
		Recipient:  msg.PrimaryRecipient(),
		Recipients: msg.To,
		Subject:    msg.Subject,
		Tags:       msg.Tags,
		Status:     tracking.StatusPending,
		CreatedAt:  at,
	}
	for i := 0; i < maxIDCollisions; i++ {
		rec.ID = base
		if i > 0 {
			rec.ID = fmt.Sprintf("%s-%d", base, i)
		}
		err := s.repo.Create(ctx, rec)
		if err == nil {
			return rec.ID, nil
		}
		if !errors.Is(err, tracking.ErrAlreadyExists) {
			return "", err
		}
	}
	return "", fmt.Errorf("dispatch: could not allocate tracking id for %s", base)
}

// process runs the engine for one record and moves the record to its
// terminal status.
func (s *Service) process(ctx context.Context, id string, msg *transport.Message) Outcome {
	if err := ctx.Err(); err != nil {
		out := Outcome{Err: transport.WrapTransient(fmt.Errorf("dispatch: expired before sending: %w", err))}
		s.finish(ctx, id, out)
		return out
	}

	s.update(ctx, id, tracking.Update{Status: tracking.Ptr(tracking.StatusSending)})

	out := s.engine.Deliver(ctx, msg, func(a Attempt) {
		u := tracking.Update{Attempts: tracking.Ptr(a.Number)}
		if a.Err != nil {
			u.LastError = tracking.Ptr(a.Err.Error())
		}
		s.update(ctx, id, u)
	})
	s.finish(ctx, id, out)
	return out
}

func (s *Service) finish(ctx context.Context, id string, out Outcome) {
	if out.Sent {
		sentAt := s.now()
		s.update(ctx, id, tracking.Update{
			Status:            tracking.Ptr(tracking.StatusSent),
			Attempts:          tracking.Ptr(out.Attempts),
			Provider:          tracking.Ptr(out.Provider),
			ProviderMessageID: tracking.Ptr(out.Receipt.MessageID),
			ClearLastError:    true,
			SentAt:            &sentAt,
		})
		metrics.Messages.WithLabelValues(string(tracking.StatusSent)).Inc()
		return
	}
	u := tracking.Update{
		Status:   tracking.Ptr(tracking.StatusFailed),
		Attempts: tracking.Ptr(out.Attempts),
	}
	if out.Err != nil {
		u.LastError = tracking.Ptr(out.Err.Error())
	}
	s.update(ctx, id, u)
	metrics.Messages.WithLabelValues(string(tracking.StatusFailed)).Inc()
}

// update writes to the repository even after ctx expired so the record still
// reaches a terminal status. Failures are logged only.
func (s *Service) update(ctx context.Context, id string, u tracking.Update) {
	if _, err := s.repo.Update(context.WithoutCancel(ctx), id, u); err != nil {
		s.logger.Error().Err(err).Str("tracking_id", id).Msg("tracking update failed")
	}
}

func (s *Service) result(id string, out Outcome) *Result {
	res := &Result{
		Success:    out.Sent,
		Attempts:   out.Attempts,
		Timestamp:  s.now(),
		TrackingID: id,
		Provider:   out.Provider,
	}
	if out.Sent {
		res.MessageID = out.Receipt.MessageID
	} else if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return res
}
