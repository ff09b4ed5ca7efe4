package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/vaultpay/wallet-backend/internal/events"
	"github.com/vaultpay/wallet-backend/pkg/config"
	"github.com/vaultpay/wallet-backend/pkg/db/models"
	"github.com/vaultpay/wallet-backend/pkg/enums"
	pkgerrors "github.com/vaultpay/wallet-backend/pkg/errors"
	"github.com/vaultpay/wallet-backend/pkg/logger"
	"github.com/vaultpay/wallet-backend/pkg/metrics"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 50
	defaultPollMs    = 500
	maxAttempts      = 4
	maxBackoff       = 10 * time.Second
	jitterWindow     = 250 * time.Millisecond
)

// retryBackoff[n] is the wait before attempt n+1. The first attempt runs as
// soon as the event lands; exhausting the table dead-letters the event.
var retryBackoff = [maxAttempts]time.Duration{
	0,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type eventsRepository interface {
	WithTx(tx *gorm.DB) events.Repository
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.WebhookDLQ) error
}

type eventProcessor interface {
	Process(ctx context.Context, event *models.WebhookEvent) error
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         dbClient
	Repository eventsRepository
	DLQ        dlqRepository
	Processor  eventProcessor
	Metrics    *metrics.WebhookEventMetrics
	Now        func() time.Time
}

// Service drains the durable webhook event queue. The receipt path never
// waits on this loop; everything here happens after the provider already got
// its 202.
type Service struct {
	cfg          *config.Config
	logg         *logger.Logger
	db           dbClient
	repo         eventsRepository
	dlq          dlqRepository
	processor    eventProcessor
	metrics      *metrics.WebhookEventMetrics
	now          func() time.Time
	batchSize    int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("events repository is required")
	}
	if params.DLQ == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Processor == nil {
		return nil, errors.New("event processor is required")
	}

	now := params.Now
	if now == nil {
		now = time.Now
	}
	batch := params.Config.Worker.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Worker.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}

	return &Service{
		cfg:          params.Config,
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		dlq:          params.DLQ,
		processor:    params.Processor,
		metrics:      params.Metrics,
		now:          now,
		batchSize:    batch,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	s.logg.Info(ctx, "event worker dependencies are ready")
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "event worker context canceled")
			return ctx.Err()
		default:
		}

		worked, err := s.ProcessBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "event worker batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if worked {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// ProcessBatch applies every due event once, reporting whether any work was
// found. Per-event failures are absorbed into retry scheduling or the DLQ;
// only infrastructure errors bubble up.
func (s *Service) ProcessBatch(ctx context.Context) (bool, error) {
	now := s.now().UTC()
	due, err := s.repo.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return false, err
	}
	if len(due) == 0 {
		return false, nil
	}

	for i := range due {
		if err := s.handleEvent(ctx, &due[i]); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *Service) handleEvent(ctx context.Context, event *models.WebhookEvent) error {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":      event.ExternalEventID,
		"event_type":    string(event.EventType),
		"attempt_count": event.AttemptCount,
	})

	err := s.processor.Process(ctx, event)
	if err == nil {
		return nil
	}

	attempt := event.AttemptCount + 1
	switch {
	case !pkgerrors.Retryable(err):
		return s.deadLetter(ctx, event, enums.WebhookDLQReasonNonRetryable, err)
	case attempt >= maxAttempts:
		return s.deadLetter(ctx, event, enums.WebhookDLQReasonMaxAttempts,
			fmt.Errorf("max processing attempts reached: %w", err))
	default:
		nextAt := s.now().UTC().Add(retryBackoff[attempt])
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "event processing failed, retry scheduled")
		if markErr := s.repo.ScheduleRetry(ctx, event.ID, nextAt, err.Error()); markErr != nil {
			return fmt.Errorf("schedule retry %s: %w", event.ID, markErr)
		}
		s.metrics.IncRetried(string(event.EventType))
		return nil
	}
}

// deadLetter flips the event row and writes the DLQ record in one
// transaction, then raises the alert counter. Dead-lettered events are never
// picked up again.
func (s *Service) deadLetter(ctx context.Context, event *models.WebhookEvent, reason enums.WebhookDLQReason, cause error) error {
	s.logg.Error(s.logg.WithField(ctx, "error_reason", string(reason)), "event dead-lettered", cause)

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		entry := models.WebhookDLQ{
			EventID:         event.ID,
			ExternalEventID: event.ExternalEventID,
			EventType:       event.EventType,
			Payload:         event.Payload,
			ErrorReason:     reason,
			ErrorMessage:    dlqErrorMessage(cause),
			AttemptCount:    event.AttemptCount + 1,
			FailedAt:        s.now().UTC(),
		}
		if dlqErr := s.dlq.InsertTx(tx, entry); dlqErr != nil {
			return fmt.Errorf("insert dlq %s: %w", event.ID, dlqErr)
		}
		if markErr := s.repo.WithTx(tx).MarkDeadLettered(ctx, event.ID, cause.Error()); markErr != nil {
			return fmt.Errorf("mark dead-lettered %s: %w", event.ID, markErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.IncDeadLettered(string(event.EventType))
	return nil
}

func dlqErrorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}
