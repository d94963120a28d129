package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"ojtrack/internal/queue"
)

// Store persists activity events.
type Store interface {
	InsertEvent(ctx context.Context, evt Event) error
}

// Repository stores events in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertEvent writes evt; replays of the same event id are ignored.
func (r *Repository) InsertEvent(ctx context.Context, evt Event) error {
	fields, err := json.Marshal(evt.Fields)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, event_type, actor_id, fields, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.Type, evt.ActorID, fields, evt.At)
	return err
}

// Drain persists activity messages until msgs closes and returns how many
// events were stored. Other message types are skipped.
func Drain(ctx context.Context, msgs <-chan queue.Message, store Store, log *zap.Logger) int {
	stored := 0
	for msg := range msgs {
		if msg.Type != MessageType {
			continue
		}
		var evt Event
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Warn("drop undecodable activity", zap.Error(err))
			continue
		}
		evt = fill(evt)
		if err := store.InsertEvent(ctx, evt); err != nil {
			log.Error("persist activity failed", zap.String("event_id", evt.ID), zap.String("type", evt.Type), zap.Error(err))
			continue
		}
		stored++
	}
	return stored
}
