package priorauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pas/internal/infrastructure/postgres"
	"github.com/drfirst/go-pas/internal/orchestration"
)

const uniqueViolation = "23505"

// RoutesFor maps event types onto the topics they are relayed to. Events
// without a route stay in the event store only.
func RoutesFor(topics orchestration.Topics) map[EventType]string {
	return map[EventType]string{
		EventPriorAuthSubmitted: topics.FHIRRequests.Name,
		EventPriorAuthCancelled: topics.FHIRRequests.Name,
		EventPriorAuthDecided:   topics.X12Responses.Name,
		EventPriorAuthExtended:  topics.SLAEvents.Name,
	}
}

// Repository stores prior authorizations as events in Postgres. Appending
// and queueing routed events for the outbox relay happen in one transaction,
// and the (aggregate_id, version) key turns a lost race into
// ErrConcurrentModification.
type Repository struct {
	pool   *pgxpool.Pool
	routes map[EventType]string
	logger *zap.Logger
}

// NewRepository creates a repository over pool.
func NewRepository(pool *pgxpool.Pool, routes map[EventType]string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, routes: routes, logger: logger}
}

// Save appends the aggregate's uncommitted events.
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		base := agg.Version() - len(changes)
		for i, e := range changes {
			e.Version = base + i + 1
			if err := appendEvent(ctx, tx, e); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
					return fmt.Errorf("%s version %d: %w", agg.ID(), e.Version, ErrConcurrentModification)
				}
				return fmt.Errorf("append %s: %w", e.EventType, err)
			}
			if err := r.enqueue(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("prior authorization saved",
		zap.String("aggregate_id", agg.ID()),
		zap.Int("version", agg.Version()),
		zap.Int("events", len(changes)))
	agg.ClearChanges()
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO prior_auth_events
			(event_id, aggregate_id, event_type, event_data, version, timestamp,
			 requester_npi, payer_id, member_hash, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.AggregateID, e.EventType, e.EventData, e.Version, e.Timestamp,
		e.RequesterNPI, e.PayerID, e.MemberHash, e.CorrelationID)
	return err
}

// enqueue writes an outbox row for routed events, keyed by aggregate so
// one request's events stay ordered on a partition.
func (r *Repository) enqueue(ctx context.Context, tx pgx.Tx, e *Event) error {
	topic, ok := r.routes[e.EventType]
	if !ok || topic == "" {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      e.AggregateID,
	})
}

// Load rebuilds an aggregate from its events.
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return rebuild(id, events)
}

// GetEvents returns an aggregate's events in version order.
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, aggregate_id, event_type, event_data, version, timestamp,
		       requester_npi, payer_id, member_hash, correlation_id
		FROM prior_auth_events
		WHERE aggregate_id = $1
		ORDER BY version
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Event, error) {
		e := &Event{AggregateType: AggregateType}
		err := row.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version, &e.Timestamp,
			&e.RequesterNPI, &e.PayerID, &e.MemberHash, &e.CorrelationID)
		return e, err
	})
}

func rebuild(id string, events []*Event) (*Aggregate, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}
