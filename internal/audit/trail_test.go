package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]Event
}

func (m *memStorage) WriteBatch(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *memStorage) all() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func TestTrail_BatchesAndDrainsOnStop(t *testing.T) {
	store := &memStorage{}
	trail := NewTrail(store, zap.NewNop(), Options{BatchSize: 3, FlushInterval: time.Hour})
	trail.Start()

	for i := 0; i < 7; i++ {
		trail.Log(Event{Type: RunStarted, TenantID: "t1"})
	}
	trail.Stop()

	events := store.all()
	require.Len(t, events, 7)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
	// 3 + 3 по размеру пачки и финальный flush остатка
	assert.Len(t, store.batches, 3)

	// После остановки события отбрасываются, повторный Stop безопасен
	trail.Log(Event{Type: RunFailed})
	trail.Stop()
	assert.Len(t, store.all(), 7)
}

func TestTrail_FlushesOnTicker(t *testing.T) {
	store := &memStorage{}
	trail := NewTrail(store, zap.NewNop(), Options{FlushInterval: 10 * time.Millisecond})
	trail.Start()
	defer trail.Stop()

	trail.Log(Event{Type: ActionApproved, Actor: "alice"})
	assert.Eventually(t, func() bool { return len(store.all()) == 1 }, time.Second, 5*time.Millisecond)
}
