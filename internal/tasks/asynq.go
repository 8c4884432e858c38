package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"booking-scheduler/internal/booking"
	"booking-scheduler/pkg/logging"
)

// QueueName is the asynq queue all booking effects go through.
const QueueName = "scheduling"

var effectKinds = []booking.EffectKind{
	booking.EffectConfirmationEmail,
	booking.EffectCancellationEmail,
	booking.EffectRescheduleEmail,
	booking.EffectCalendarCreate,
	booking.EffectCalendarUpdate,
	booking.EffectCalendarDelete,
	booking.EffectRefundBooking,
	booking.EffectRefundCharge,
}

// AsynqOutbox enqueues effects as asynq tasks. The task id is the effect key, so a
// repeated enqueue of the same effect is dropped by Redis.
type AsynqOutbox struct {
	client   *asynq.Client
	maxRetry int
	logger   *logging.Logger
}

func NewAsynqOutbox(client *asynq.Client, maxRetry int, logger *logging.Logger) *AsynqOutbox {
	if logger == nil {
		logger = logging.Default()
	}
	return &AsynqOutbox{client: client, maxRetry: maxRetry, logger: logger}
}

// NewTask encodes e as an asynq task typed by its kind.
func NewTask(e booking.Effect) (*asynq.Task, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("tasks: encode %s: %w", e.Kind, err)
	}
	return asynq.NewTask(string(e.Kind), payload), nil
}

func (o *AsynqOutbox) Enqueue(ctx context.Context, e booking.Effect) error {
	task, err := NewTask(e)
	if err != nil {
		return err
	}
	info, err := o.client.EnqueueContext(ctx, task,
		asynq.TaskID(e.Key()),
		asynq.MaxRetry(o.maxRetry),
		asynq.Queue(QueueName),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		o.logger.Debug("side effect already queued", "kind", e.Kind, "key", e.Key())
		return nil
	}
	if err != nil {
		return fmt.Errorf("tasks: enqueue %s: %w", e.Kind, err)
	}
	o.logger.Debug("side effect queued", "kind", e.Kind, "task_id", info.ID)
	return nil
}

// ProcessTask implements asynq.Handler. Permanent failures skip the remaining retries.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var e booking.Effect
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return fmt.Errorf("tasks: decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	e.Kind = booking.EffectKind(t.Type())

	err := h.Handle(ctx, e)
	if err == nil {
		return nil
	}
	if Permanent(err) {
		h.logger.Error("side effect abandoned", "kind", e.Kind, "booking_id", e.BookingID, "error", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// NewServeMux routes every effect kind to h.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, kind := range effectKinds {
		mux.Handle(string(kind), h)
	}
	return mux
}

// NewServer builds the worker server consuming QueueName with exponential backoff between
// attempts.
func NewServer(redisOpt asynq.RedisClientOpt, concurrency int, logger *logging.Logger) *asynq.Server {
	if logger == nil {
		logger = logging.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return Backoff(DefaultBaseDelay, n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("side effect failed", "kind", t.Type(), "attempt", retried+1, "max_retry", maxRetry, "error", err)
		}),
	})
}
