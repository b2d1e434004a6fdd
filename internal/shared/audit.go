package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one ledger mutation as written to audit_logs.
type AuditLog struct {
	ColdStorageID uuid.UUID
	ActorID       string
	Action        string
	Entity        string
	EntityID      uuid.UUID
	Meta          map[string]any
	At            time.Time
}

// Validate reports whether the entry can be stored.
func (l AuditLog) Validate() error {
	switch {
	case l.ColdStorageID == uuid.Nil:
		return errors.New("shared: audit log requires a cold storage")
	case l.Action == "" || l.Entity == "":
		return errors.New("shared: audit log requires action and entity")
	case l.EntityID == uuid.Nil:
		return errors.New("shared: audit log requires an entity id")
	}
	return nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the entry. A zero At is stamped by the database.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("shared: audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	if log.Meta == nil {
		log.Meta = map[string]any{}
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return fmt.Errorf("shared: encode audit meta: %w", err)
	}
	var actor, at any
	if log.ActorID != "" {
		actor = log.ActorID
	}
	if !log.At.IsZero() {
		at = log.At.UTC()
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_logs (cold_storage_id, actor_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, NOW()))`,
		log.ColdStorageID, actor, log.Action, log.Entity, log.EntityID, meta, at)
	return err
}
