package audit

/*
Trail: асинхронный журнал переходов запусков и действий.

- Non-blocking: события уходят в буферизованный канал, горячий путь исполнителей
  не ждет записи в БД. При переполнении событие сбрасывается с ошибкой в лог.
- Batching: пакетная запись по таймеру или при достижении размера пачки.
- Drain: Stop закрывает вход, воркер вычитывает остатки и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняется журнал
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

// Discard: аудитор, который ничего не пишет.
var Discard Auditor = discard{}

type discard struct{}

func (discard) Log(Event) {}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// BufferFill: необязательный gauge заполненности буфера
	BufferFill prometheus.Gauge
}

func (o *Options) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
}

type Trail struct {
	ch     chan Event
	repo   Storage
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	closed    atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewTrail(repo Storage, logger *zap.Logger, opts Options) *Trail {
	opts.withDefaults()
	return &Trail{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "audit")),
	}
}

func (t *Trail) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.worker()
	})
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.stopOnce.Do(func() {
		t.closed.Store(true)
		// Даем текущим Log проскочить до закрытия канала
		time.Sleep(10 * time.Millisecond)

		t.logger.Info("stopping audit trail: flushing buffer")
		close(t.ch)
		t.wg.Wait()
		t.logger.Info("audit trail stopped")
	})
}

func (t *Trail) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if t.closed.Load() {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("type", event.Type), zap.String("id", event.ID))
		return
	}

	// Load Shedding: журнал не должен тормозить исполнение
	select {
	case t.ch <- event:
		if t.opts.BufferFill != nil {
			t.opts.BufferFill.Set(float64(len(t.ch)))
		}
	default:
		t.logger.Error("audit buffer overflow",
			zap.String("type", event.Type),
			zap.String("tenant_id", event.TenantID),
			zap.String("agent_slug", event.AgentSlug),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, t.opts.BatchSize)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст на остановке уже может быть отменен
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if t.opts.BufferFill != nil {
			t.opts.BufferFill.Set(float64(len(t.ch)))
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
