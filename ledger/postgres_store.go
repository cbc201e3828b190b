package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// postgresRow is the gorm model backing audit_events for the Postgres
// backend (DATABASE_URL scheme postgres://), satisfying spec §1's
// "relational engine" persistence option for multi-instance
// deployments.
type postgresRow struct {
	ID                string `gorm:"primaryKey"`
	CreatedAt         string `gorm:"index;not null"`
	ActorID           string `gorm:"index;not null"`
	ActionType        string `gorm:"index;not null"`
	IntentPayload     string `gorm:"not null"`
	PolicyVersion     string `gorm:"not null"`
	EventHash         string `gorm:"not null"`
	PreviousEventHash string `gorm:"uniqueIndex;not null"`
}

func (postgresRow) TableName() string { return "audit_events" }

// PostgresStore is the gorm/pgx-backed Ledger backend.
type PostgresStore struct {
	db *gorm.DB
	mu sync.Mutex // serializes the chain-tip read/compute/append sequence
}

// OpenPostgresStore connects to dsn and migrates the audit_events
// table plus its append-only triggers.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.init(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) init() error {
	if err := s.db.AutoMigrate(&postgresRow{}); err != nil {
		return fmt.Errorf("migrate audit_events: %w", err)
	}
	// gorm has no first-class DDL trigger API; (I4) is bound to the
	// storage layer via raw SQL, same interlock as the sqlite backend.
	stmts := []string{
		`CREATE OR REPLACE FUNCTION gavel_reject_mutation() RETURNS trigger AS $$
			BEGIN RAISE EXCEPTION 'gavel: audit_events is append-only'; END;
		$$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS audit_events_no_update ON audit_events;`,
		`CREATE TRIGGER audit_events_no_update BEFORE UPDATE ON audit_events
			FOR EACH ROW EXECUTE FUNCTION gavel_reject_mutation();`,
		`DROP TRIGGER IF EXISTS audit_events_no_delete ON audit_events;`,
		`CREATE TRIGGER audit_events_no_delete BEFORE DELETE ON audit_events
			FOR EACH ROW EXECUTE FUNCTION gavel_reject_mutation();`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("install append-only trigger: %w", err)
		}
	}
	return nil
}

func toPostgresRow(e AuditEvent) (postgresRow, error) {
	payload, err := json.Marshal(e.IntentPayload)
	if err != nil {
		return postgresRow{}, err
	}
	return postgresRow{
		ID:                e.ID,
		CreatedAt:         e.CreatedAt.UTC().Format(timeLayout),
		ActorID:           e.ActorID,
		ActionType:        e.ActionType,
		IntentPayload:     string(payload),
		PolicyVersion:     e.PolicyVersion,
		EventHash:         e.EventHash,
		PreviousEventHash: e.PreviousEventHash,
	}, nil
}

func fromPostgresRow(r postgresRow) (AuditEvent, error) {
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("parse created_at: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.IntentPayload), &payload); err != nil {
		return AuditEvent{}, fmt.Errorf("decode intent_payload: %w", err)
	}
	return AuditEvent{
		ID:                r.ID,
		CreatedAt:         createdAt,
		ActorID:           r.ActorID,
		ActionType:        r.ActionType,
		IntentPayload:     payload,
		PolicyVersion:     r.PolicyVersion,
		EventHash:         r.EventHash,
		PreviousEventHash: r.PreviousEventHash,
	}, nil
}

func (s *PostgresStore) Append(ctx context.Context, actorID, actionType string, payload map[string]any, policyVersion string) (AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip, hasTip, err := s.tipLocked(ctx)
	if err != nil {
		return AuditEvent{}, err
	}
	prevHash := GenesisHash
	if hasTip {
		prevHash = tip.EventHash
	}
	createdAt := clampCreatedAt(time.Now(), tip, hasTip)
	hash, err := computeEventHash(prevHash, actorID, actionType, payload, policyVersion, createdAt)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("compute event hash: %w", err)
	}

	event := AuditEvent{
		ID:                uuid.NewString(),
		CreatedAt:         createdAt,
		ActorID:           actorID,
		ActionType:        actionType,
		IntentPayload:     payload,
		PolicyVersion:     policyVersion,
		EventHash:         hash,
		PreviousEventHash: prevHash,
	}
	row, err := toPostgresRow(event)
	if err != nil {
		return AuditEvent{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return AuditEvent{}, ErrChainSerializationConflict
		}
		return AuditEvent{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) tipLocked(ctx context.Context) (AuditEvent, bool, error) {
	var row postgresRow
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(1).Take(&row).Error
	if err != nil {
		if strings.Contains(err.Error(), "record not found") {
			return AuditEvent{}, false, nil
		}
		return AuditEvent{}, false, fmt.Errorf("read chain tip: %w", err)
	}
	event, err := fromPostgresRow(row)
	if err != nil {
		return AuditEvent{}, false, err
	}
	return event, true, nil
}

func (s *PostgresStore) Tip(ctx context.Context) (AuditEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipLocked(ctx)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (AuditEvent, error) {
	var row postgresRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return AuditEvent{}, ErrNotFound
	}
	return fromPostgresRow(row)
}

func (s *PostgresStore) List(ctx context.Context, filter Filter, page, size int) ([]AuditEvent, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}
	query := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Limit(size).Offset(page * size)
	if filter.ActorID != "" {
		query = query.Where("actor_id = ?", filter.ActorID)
	}
	if filter.ActionType != "" {
		query = query.Where("action_type = ?", filter.ActionType)
	}
	var rows []postgresRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]AuditEvent, 0, len(rows))
	for _, row := range rows {
		event, err := fromPostgresRow(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *PostgresStore) Verify(ctx context.Context, maxEvents int) (VerifyResult, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if maxEvents > 0 {
		query = query.Limit(maxEvents)
	}
	var rows []postgresRow
	if err := query.Find(&rows).Error; err != nil {
		return VerifyResult{}, fmt.Errorf("verify: query events: %w", err)
	}
	events := make([]AuditEvent, 0, len(rows))
	for _, row := range rows {
		event, err := fromPostgresRow(row)
		if err != nil {
			return VerifyResult{}, err
		}
		events = append(events, event)
	}
	return VerifyChain(events)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
