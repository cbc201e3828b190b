package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore is the embedded-log Ledger backend (DATABASE_URL scheme
// leveldb://), satisfying spec §1's "embedded log" persistence option.
// Grounded on the teacher's LevelDBNoncePersistence and storage/db.go's
// LevelDB wrapper: monotonic big-endian sequence keys order the chain,
// a secondary index on previous_event_hash enforces (I1) at write time.
type LevelDBStore struct {
	db *leveldb.DB

	mu  sync.Mutex // serializes the chain-tip read/compute/append sequence
	seq uint64     // next sequence number to assign
}

const (
	eventKeyPrefix    = "event:"  // event:<seq padded> -> encoded AuditEvent
	idIndexPrefix     = "by-id:"  // by-id:<id> -> seq
	prevHashIndexPref = "by-prev:" // by-prev:<previous_event_hash> -> seq, enforces (I1)
)

// OpenLevelDBStore opens (creating if absent) a LevelDB-backed ledger
// at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb ledger: %w", err)
	}
	store := &LevelDBStore{db: db}
	seq, err := store.highestSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.seq = seq
	return store, nil
}

type leveldbRecord struct {
	ID                string         `json:"id"`
	CreatedAt         string         `json:"created_at"`
	ActorID           string         `json:"actor_id"`
	ActionType        string         `json:"action_type"`
	IntentPayload     map[string]any `json:"intent_payload"`
	PolicyVersion     string         `json:"policy_version"`
	EventHash         string         `json:"event_hash"`
	PreviousEventHash string         `json:"previous_event_hash"`
}

func toRecord(e AuditEvent) leveldbRecord {
	return leveldbRecord{
		ID:                e.ID,
		CreatedAt:         e.CreatedAt.UTC().Format(timeLayout),
		ActorID:           e.ActorID,
		ActionType:        e.ActionType,
		IntentPayload:     e.IntentPayload,
		PolicyVersion:     e.PolicyVersion,
		EventHash:         e.EventHash,
		PreviousEventHash: e.PreviousEventHash,
	}
}

func (r leveldbRecord) toEvent() (AuditEvent, error) {
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("parse created_at: %w", err)
	}
	return AuditEvent{
		ID:                r.ID,
		CreatedAt:         createdAt,
		ActorID:           r.ActorID,
		ActionType:        r.ActionType,
		IntentPayload:     r.IntentPayload,
		PolicyVersion:     r.PolicyVersion,
		EventHash:         r.EventHash,
		PreviousEventHash: r.PreviousEventHash,
	}, nil
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, len(eventKeyPrefix)+8)
	copy(buf, eventKeyPrefix)
	binary.BigEndian.PutUint64(buf[len(eventKeyPrefix):], seq)
	return buf
}

func (s *LevelDBStore) highestSeq() (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(eventKeyPrefix)), nil)
	defer iter.Release()
	var max uint64
	for iter.Next() {
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(eventKeyPrefix):])
		if seq > max {
			max = seq
		}
	}
	return max, iter.Error()
}

func (s *LevelDBStore) Append(ctx context.Context, actorID, actionType string, payload map[string]any, policyVersion string) (AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip, hasTip, err := s.tipLocked()
	if err != nil {
		return AuditEvent{}, err
	}
	prevHash := GenesisHash
	if hasTip {
		prevHash = tip.EventHash
	}

	exists, err := s.db.Has([]byte(prevHashIndexPref+prevHash), nil)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("check previous_event_hash uniqueness: %w", err)
	}
	if exists {
		return AuditEvent{}, ErrChainSerializationConflict
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

	encoded, err := json.Marshal(toRecord(event))
	if err != nil {
		return AuditEvent{}, fmt.Errorf("encode event: %w", err)
	}

	nextSeq := s.seq + 1
	batch := new(leveldb.Batch)
	batch.Put(seqKey(nextSeq), encoded)
	batch.Put([]byte(idIndexPrefix+event.ID), binary.BigEndian.AppendUint64(nil, nextSeq))
	batch.Put([]byte(prevHashIndexPref+prevHash), binary.BigEndian.AppendUint64(nil, nextSeq))
	if err := s.db.Write(batch, nil); err != nil {
		return AuditEvent{}, fmt.Errorf("append event: %w", err)
	}
	s.seq = nextSeq
	return event, nil
}

func (s *LevelDBStore) tipLocked() (AuditEvent, bool, error) {
	if s.seq == 0 {
		return AuditEvent{}, false, nil
	}
	raw, err := s.db.Get(seqKey(s.seq), nil)
	if err != nil {
		return AuditEvent{}, false, fmt.Errorf("read chain tip: %w", err)
	}
	var rec leveldbRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return AuditEvent{}, false, fmt.Errorf("decode chain tip: %w", err)
	}
	event, err := rec.toEvent()
	if err != nil {
		return AuditEvent{}, false, err
	}
	return event, true, nil
}

func (s *LevelDBStore) Tip(ctx context.Context) (AuditEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipLocked()
}

func (s *LevelDBStore) GetByID(ctx context.Context, id string) (AuditEvent, error) {
	seqBytes, err := s.db.Get([]byte(idIndexPrefix+id), nil)
	if err != nil {
		return AuditEvent{}, ErrNotFound
	}
	seq := binary.BigEndian.Uint64(seqBytes)
	raw, err := s.db.Get(seqKey(seq), nil)
	if err != nil {
		return AuditEvent{}, ErrNotFound
	}
	var rec leveldbRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return AuditEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return rec.toEvent()
}

func (s *LevelDBStore) allEventsAscending(ctx context.Context) ([]AuditEvent, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(eventKeyPrefix)), nil)
	defer iter.Release()

	var events []AuditEvent
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var rec leveldbRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		event, err := rec.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, iter.Error()
}

func (s *LevelDBStore) List(ctx context.Context, filter Filter, page, size int) ([]AuditEvent, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}
	all, err := s.allEventsAscending(ctx)
	if err != nil {
		return nil, err
	}
	var filtered []AuditEvent
	for _, e := range all {
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.ActionType != "" && e.ActionType != filter.ActionType {
			continue
		}
		filtered = append(filtered, e)
	}
	start := page * size
	if start >= len(filtered) {
		return nil, nil
	}
	end := start + size
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], nil
}

func (s *LevelDBStore) Verify(ctx context.Context, maxEvents int) (VerifyResult, error) {
	events, err := s.allEventsAscending(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	if maxEvents > 0 && len(events) > maxEvents {
		events = events[:maxEvents]
	}
	return VerifyChain(events)
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
