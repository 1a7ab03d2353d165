package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solarcrm/reconciler/internal/platform/db"
)

// AuditLine is one delivery row of an audited reconciliation.
type AuditLine struct {
	ItemKey     string
	Description string
	Quantity    int
	Date        string
}

// AuditLog represents a record stored in reconciliation_audit.
type AuditLog struct {
	ID       uuid.UUID
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Outcome  string
	Meta     map[string]any
	Lines    []AuditLine
	At       time.Time
}

// AuditLogger writes reconciliation records and their lines.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Validate checks the fields every record needs.
func (log AuditLog) Validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" || log.Outcome == "" {
		return errors.New("audit log requires action/entity/entity_id/outcome")
	}
	return nil
}

// Record persists the entry and its lines in one transaction.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.At.IsZero() {
		log.At = time.Now()
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, l.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO reconciliation_audit (id, actor, action, entity, entity_id, outcome, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			log.ID, log.Actor, log.Action, log.Entity, log.EntityID, log.Outcome, metaJSON, log.At)
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		for i, line := range log.Lines {
			_, err := tx.Exec(ctx, `INSERT INTO reconciliation_audit_lines (audit_id, line_no, item_key, description, quantity, delivery_date) VALUES ($1, $2, $3, $4, $5, $6)`,
				log.ID, i+1, line.ItemKey, line.Description, line.Quantity, line.Date)
			if err != nil {
				return fmt.Errorf("insert audit line %d: %w", i+1, err)
			}
		}
		return nil
	})
}
