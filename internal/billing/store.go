package billing

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

var (
	_ EventStore = (*MemoryEventStore)(nil)
	_ EventStore = (*PostgresEventStore)(nil)
)

type processedEvent struct {
	Type        string
	UserID      string
	ProcessedAt time.Time
}

// MemoryEventStore keeps processed event IDs in memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]processedEvent
}

// NewMemoryEventStore creates an in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]processedEvent)}
}

func (m *MemoryEventStore) Processed(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *MemoryEventStore) MarkProcessed(_ context.Context, eventID, eventType, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; ok {
		return false, nil
	}
	m.events[eventID] = processedEvent{Type: eventType, UserID: userID, ProcessedAt: time.Now().UTC()}
	return true, nil
}

// PostgresEventStore records processed events in the billing_events table.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) Processed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresEventStore) MarkProcessed(ctx context.Context, eventID, eventType, userID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_events (event_id, event_type, user_id)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
