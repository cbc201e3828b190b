// Package archive exports a range of the Ledger to Parquet, the
// supplemented feature of cold-storage retention for audit_events
// (SPEC_FULL.md FULL-3): the Spine itself never deletes rows, but an
// operator may want to ship old ranges to columnar storage for
// long-term analytics without touching the live chain.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/jlugo63/gavel/ledger"
)

type parquetEvent struct {
	ID                string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt         string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ActorID           string `parquet:"name=actor_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ActionType        string `parquet:"name=action_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	IntentPayload     string `parquet:"name=intent_payload, type=BYTE_ARRAY, convertedtype=UTF8"`
	PolicyVersion     string `parquet:"name=policy_version, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventHash         string `parquet:"name=event_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	PreviousEventHash string `parquet:"name=previous_event_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportRange reads every event in [from, to) from store, ordered by
// the store's native (created_at, id) ordering, and writes them to a
// Snappy-compressed Parquet file at path. It returns the number of
// events written.
func ExportRange(ctx context.Context, store ledger.Store, from, to time.Time, path string) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("archive: create parquet file: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEvent), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("archive: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	const pageSize = 500
	for page := 0; ; page++ {
		events, err := store.List(ctx, ledger.Filter{}, page, pageSize)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, fmt.Errorf("archive: list events: %w", err)
		}
		for _, e := range events {
			if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
				continue
			}
			payloadJSON, err := json.Marshal(e.IntentPayload)
			if err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("archive: marshal intent_payload for %s: %w", e.ID, err)
			}
			row := &parquetEvent{
				ID:                e.ID,
				CreatedAt:         e.CreatedAt.Format(time.RFC3339Nano),
				ActorID:           e.ActorID,
				ActionType:        e.ActionType,
				IntentPayload:     string(payloadJSON),
				PolicyVersion:     e.PolicyVersion,
				EventHash:         e.EventHash,
				PreviousEventHash: e.PreviousEventHash,
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("archive: parquet write: %w", err)
			}
			written++
		}
		if len(events) < pageSize {
			break
		}
	}

	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("archive: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("archive: close parquet file: %w", err)
	}
	return written, nil
}
