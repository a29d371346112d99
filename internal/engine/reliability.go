package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/storeops-agents/internal/connectors"
	"github.com/xela07ax/storeops-agents/internal/domain"
	"github.com/xela07ax/storeops-agents/internal/registry"
)

type ReliabilityOptions struct {
	MaxRequests    uint32        // Пробных запросов в half-open
	Interval       time.Duration // Окно сброса счетчиков в closed
	Timeout        time.Duration // Через сколько open пробует "закрыться"
	Failures       uint32        // Подряд ошибок до размыкания
	RateLimit      float64
	RateBurst      int
	Attempts       uint
	AttemptTimeout time.Duration
}

func (o *ReliabilityOptions) withDefaults() {
	if o.MaxRequests == 0 {
		o.MaxRequests = 3
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Failures == 0 {
		o.Failures = 5
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 100
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
}

// ReliableHandler оборачивает обработчик действия: Rate Limiter -> Circuit Breaker -> Retry.
// Повторяется только троттлинг внешней системы: бизнес-ошибку повтор не исправит.
type ReliableHandler struct {
	next    registry.ActionHandler
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    ReliabilityOptions
}

func NewReliableHandler(next registry.ActionHandler, opts ReliabilityOptions, metrics *Metrics, logger *zap.Logger) *ReliableHandler {
	opts.withDefaults()
	actionType := next.ActionType()
	log := logger.Named("reliability").With(zap.String("action_type", actionType))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        actionType,
		MaxRequests: opts.MaxRequests,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.Failures
		},
		// Неподдерживаемый откат не считается сбоем внешней системы
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, registry.ErrRollbackUnsupported)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &ReliableHandler{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		opts:    opts,
	}
}

// Reliable: обертка для Registry.WrapActions.
func Reliable(opts ReliabilityOptions, metrics *Metrics, logger *zap.Logger) func(registry.ActionHandler) registry.ActionHandler {
	return func(h registry.ActionHandler) registry.ActionHandler {
		return NewReliableHandler(h, opts, metrics, logger)
	}
}

func (w *ReliableHandler) ActionType() string { return w.next.ActionType() }

func (w *ReliableHandler) ValidatePayload(p domain.Payload) error { return w.next.ValidatePayload(p) }

func (w *ReliableHandler) Execute(ctx context.Context, a *domain.Action) (string, error) {
	var message string
	err := w.call(ctx, func(attemptCtx context.Context) error {
		var callErr error
		message, callErr = w.next.Execute(attemptCtx, a)
		return callErr
	})
	return message, err
}

func (w *ReliableHandler) Rollback(ctx context.Context, a *domain.Action) error {
	return w.call(ctx, func(attemptCtx context.Context) error {
		return w.next.Rollback(attemptCtx, a)
	})
}

func (w *ReliableHandler) call(ctx context.Context, fn func(context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.opts.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var tErr *connectors.ThrottleError
				return errors.As(err, &tErr)
			}),
			// Внешняя система сама сказала, сколько ждать
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if w.opts.AttemptTimeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, w.opts.AttemptTimeout)
			}
			defer cancel()
			return fn(attemptCtx)
		})
	})
	return err
}
