package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default embedded Ledger backend: a single-file
// relational store with an append-only trigger pair enforcing (I4) at
// the storage layer. Grounded on the teacher's escrow-gateway SQLiteStore
// (database/sql + modernc.org/sqlite, CREATE TABLE IF NOT EXISTS schema).
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes the chain-tip read/compute/append sequence
}

// OpenSQLiteStore opens (creating if absent) a SQLite-backed ledger at
// path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1) // the append lock already serializes writers; avoid SQLITE_BUSY on concurrent readers+writer
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			intent_payload TEXT NOT NULL,
			policy_version TEXT NOT NULL,
			event_hash TEXT NOT NULL,
			previous_event_hash TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_actor_id ON audit_events(actor_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action_type ON audit_events(action_type);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_previous_hash ON audit_events(previous_event_hash);`,
		// (I4): the only legal writer path is append. Bind the refusal to
		// the storage layer, not application convention (spec §9).
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_update
			BEFORE UPDATE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'gavel: audit_events is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
			BEFORE DELETE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'gavel: audit_events is append-only'); END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite ledger schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, actorID, actionType string, payload map[string]any, policyVersion string) (AuditEvent, error) {
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
	payloadText, err := json.Marshal(payload)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("encode intent payload: %w", err)
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

	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_events
		(id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.CreatedAt.Format(timeLayout), event.ActorID, event.ActionType,
		string(payloadText), event.PolicyVersion, event.EventHash, event.PreviousEventHash)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return AuditEvent{}, ErrChainSerializationConflict
		}
		return AuditEvent{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

func (s *SQLiteStore) tipLocked(ctx context.Context) (AuditEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events ORDER BY created_at DESC, id DESC LIMIT 1`)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEvent{}, false, nil
	}
	if err != nil {
		return AuditEvent{}, false, fmt.Errorf("read chain tip: %w", err)
	}
	return event, true, nil
}

func (s *SQLiteStore) Tip(ctx context.Context) (AuditEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipLocked(ctx)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEvent{}, ErrNotFound
	}
	if err != nil {
		return AuditEvent{}, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter, page, size int) ([]AuditEvent, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}
	query := `SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events WHERE 1=1`
	args := []any{}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.ActionType != "" {
		query += " AND action_type = ?"
		args = append(args, filter.ActionType)
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, size, page*size)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Verify(ctx context.Context, maxEvents int) (VerifyResult, error) {
	query := `SELECT id, created_at, actor_id, action_type, intent_payload, policy_version, event_hash, previous_event_hash
		FROM audit_events ORDER BY created_at ASC, id ASC`
	if maxEvents > 0 {
		query += fmt.Sprintf(" LIMIT %d", maxEvents)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verify: query events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("verify: scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, err
	}
	return VerifyChain(events)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (AuditEvent, error) {
	var (
		event        AuditEvent
		createdAtRaw string
		payloadRaw   string
	)
	if err := row.Scan(&event.ID, &createdAtRaw, &event.ActorID, &event.ActionType, &payloadRaw, &event.PolicyVersion, &event.EventHash, &event.PreviousEventHash); err != nil {
		return AuditEvent{}, err
	}
	createdAt, err := time.Parse(timeLayout, createdAtRaw)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("parse created_at: %w", err)
	}
	event.CreatedAt = createdAt
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
		return AuditEvent{}, fmt.Errorf("decode intent_payload: %w", err)
	}
	event.IntentPayload = payload
	return event, nil
}

// timeLayout stores created_at with exactly nine fractional-second
// digits, so ORDER BY on the text column matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
